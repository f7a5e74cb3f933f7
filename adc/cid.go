package adc

import (
	"fmt"

	"github.com/direct-connect/go-dc/tiger"
)

// CID is a 192-bit client identifier, wire-encoded as 39 base-32 characters.
type CID [idSize]byte

// PID is a 192-bit private identifier. CID = Tiger(PID).
type PID = CID

// IsZero reports whether the id is all-zero (unset).
func (c CID) IsZero() bool {
	return c == CID{}
}

// String returns the 39-character base-32 encoding of the id.
func (c CID) String() string {
	return encodeBase32(c[:])
}

// ParseCID decodes a 39-character base-32 CID/PID.
func ParseCID(s string) (CID, error) {
	var c CID
	if len(s) != base32Len {
		return c, fmt.Errorf("adc: invalid CID/PID %q: must be %d characters", s, base32Len)
	}
	b, ok := decodeBase32(s, idSize)
	if !ok {
		return c, fmt.Errorf("adc: invalid CID/PID %q: bad base-32 encoding", s)
	}
	copy(c[:], b)
	return c, nil
}

// Hash derives the CID corresponding to this PID: CID = Tiger(PID).
func (p PID) Hash() CID {
	sum := tiger.HashBytes(p[:])
	var c CID
	copy(c[:], sum[:])
	return c
}
