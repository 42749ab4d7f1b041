package noise

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flynn/noise"
)

var (
	// ErrUnsupportedPattern indicates a handshake pattern this package does not run.
	ErrUnsupportedPattern = errors.New("unsupported handshake pattern")
	// ErrUnsupportedSuite indicates an unknown DH, cipher or hash name.
	ErrUnsupportedSuite = errors.New("unsupported cipher suite")
)

// Pattern names a Noise handshake pattern.
type Pattern string

const (
	// PatternXX exchanges both static keys during the handshake.
	PatternXX Pattern = "XX"
	// PatternIK requires the initiator to know the responder's static key.
	PatternIK Pattern = "IK"
)

// DefaultSuite is the suite used when Config.Suite is empty.
const DefaultSuite = "25519_AESGCM_SHA256"

type patternInfo struct {
	pattern  noise.HandshakePattern
	messages int
}

var patterns = map[Pattern]patternInfo{
	PatternXX: {pattern: noise.HandshakeXX, messages: 3},
	PatternIK: {pattern: noise.HandshakeIK, messages: 2},
}

func lookupPattern(p Pattern) (patternInfo, error) {
	if p == "" {
		p = PatternXX
	}
	info, ok := patterns[p]
	if !ok {
		return patternInfo{}, fmt.Errorf("%w: %q", ErrUnsupportedPattern, p)
	}
	return info, nil
}

// ParseSuite turns a suite name such as "25519_ChaChaPoly_SHA256" into a
// flynn/noise cipher suite.
func ParseSuite(name string) (noise.CipherSuite, error) {
	if name == "" {
		name = DefaultSuite
	}
	parts := strings.Split(name, "_")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q is not DH_Cipher_Hash", ErrUnsupportedSuite, name)
	}
	if parts[0] != "25519" {
		return nil, fmt.Errorf("%w: DH %q", ErrUnsupportedSuite, parts[0])
	}

	var cipher noise.CipherFunc
	switch parts[1] {
	case "AESGCM":
		cipher = noise.CipherAESGCM
	case "ChaChaPoly":
		cipher = noise.CipherChaChaPoly
	default:
		return nil, fmt.Errorf("%w: cipher %q", ErrUnsupportedSuite, parts[1])
	}

	var hash noise.HashFunc
	switch parts[2] {
	case "SHA256":
		hash = noise.HashSHA256
	case "SHA512":
		hash = noise.HashSHA512
	case "BLAKE2b":
		hash = noise.HashBLAKE2b
	case "BLAKE2s":
		hash = noise.HashBLAKE2s
	default:
		return nil, fmt.Errorf("%w: hash %q", ErrUnsupportedSuite, parts[2])
	}

	return noise.NewCipherSuite(noise.DH25519, cipher, hash), nil
}

// ProtocolName returns the full Noise protocol name, e.g.
// "Noise_XX_25519_AESGCM_SHA256".
func ProtocolName(p Pattern, suite string) string {
	if p == "" {
		p = PatternXX
	}
	if suite == "" {
		suite = DefaultSuite
	}
	return "Noise_" + string(p) + "_" + suite
}
