package wire

import (
	"errors"
	"fmt"
)

// Token tags. Values 1..235 index the single-byte table.
const (
	tagListEmpty   = 0
	tagDictionary0 = 236
	tagDictionary3 = 239
	tagList8       = 248
	tagList16      = 249
	tagJIDPair     = 250
	tagHex8        = 251
	tagBinary8     = 252
	tagBinary20    = 253
	tagBinary32    = 254
	tagNibble8     = 255

	maxSingleByteTokens = tagDictionary0
	maxDoubleByteTables = tagDictionary3 - tagDictionary0 + 1
	maxDoubleByteTokens = 256
)

type doubleToken struct {
	table byte
	index byte
}

// Dictionary is a token table shared by both ends of a connection.
// A Dictionary is immutable once built and safe for concurrent use.
type Dictionary struct {
	single      []string
	double      [][]string
	singleIndex map[string]byte
	doubleIndex map[string]doubleToken
}

// DefaultDictionary is the table used by Marshal and Unmarshal.
var DefaultDictionary = mustDictionary(defaultSingleByte, defaultDoubleByte)

// NewDictionary builds a token table. single[0] must be "" and single may
// hold at most 236 entries; at most four double-byte tables of 256 entries
// are allowed. A string may appear only once across all tables.
func NewDictionary(single []string, double [][]string) (*Dictionary, error) {
	if len(single) == 0 || single[0] != "" {
		return nil, errors.New("single-byte table must reserve index 0 with an empty string")
	}
	if len(single) > maxSingleByteTokens {
		return nil, fmt.Errorf("single-byte table has %d entries, limit %d", len(single), maxSingleByteTokens)
	}
	if len(double) > maxDoubleByteTables {
		return nil, fmt.Errorf("%d double-byte tables, limit %d", len(double), maxDoubleByteTables)
	}

	d := &Dictionary{
		single:      single,
		double:      double,
		singleIndex: make(map[string]byte, len(single)),
		doubleIndex: make(map[string]doubleToken),
	}
	for i, s := range single[1:] {
		if err := d.checkToken(s); err != nil {
			return nil, err
		}
		d.singleIndex[s] = byte(i + 1)
	}
	for t, table := range double {
		if len(table) > maxDoubleByteTokens {
			return nil, fmt.Errorf("double-byte table %d has %d entries, limit %d", t, len(table), maxDoubleByteTokens)
		}
		for i, s := range table {
			if err := d.checkToken(s); err != nil {
				return nil, err
			}
			d.doubleIndex[s] = doubleToken{table: byte(t), index: byte(i)}
		}
	}
	return d, nil
}

func (d *Dictionary) checkToken(s string) error {
	if s == "" {
		return errors.New("empty string token")
	}
	_, inSingle := d.singleIndex[s]
	_, inDouble := d.doubleIndex[s]
	if inSingle || inDouble {
		return fmt.Errorf("duplicate token %q", s)
	}
	return nil
}

func mustDictionary(single []string, double [][]string) *Dictionary {
	d, err := NewDictionary(single, double)
	if err != nil {
		panic("wire: default dictionary: " + err.Error())
	}
	return d
}

func (d *Dictionary) lookupSingle(tok byte) (string, bool) {
	if tok == 0 || int(tok) >= len(d.single) {
		return "", false
	}
	return d.single[tok], true
}

func (d *Dictionary) lookupDouble(table, index byte) (string, bool) {
	if int(table) >= len(d.double) || int(index) >= len(d.double[table]) {
		return "", false
	}
	return d.double[table][index], true
}
