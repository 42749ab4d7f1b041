package crypto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	fingerprintIterations = 1024
	fingerprintGroups     = 6
)

// Fingerprint renders a numeric fingerprint of one or two identity keys.
// The result does not depend on argument order, so both parties of a
// conversation compute the same string.
func Fingerprint(keys ...[32]byte) string {
	sorted := make([][32]byte, len(keys))
	copy(sorted, keys)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && bytes.Compare(sorted[j-1][:], sorted[j][:]) > 0; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var digest [32]byte
	h := blake3.New()
	for _, k := range sorted {
		_, _ = h.Write(k[:])
	}
	copy(digest[:], h.Sum(nil))

	// Iterated hashing makes brute forcing a colliding key expensive.
	for i := 0; i < fingerprintIterations; i++ {
		h.Reset()
		_, _ = h.Write(digest[:])
		for _, k := range sorted {
			_, _ = h.Write(k[:])
		}
		copy(digest[:], h.Sum(nil))
	}

	groups := make([]string, 0, fingerprintGroups)
	for i := 0; i < fingerprintGroups; i++ {
		v := binary.BigEndian.Uint32(digest[i*4:]) % 100000
		groups = append(groups, fmt.Sprintf("%05d", v))
	}
	return strings.Join(groups, " ")
}
