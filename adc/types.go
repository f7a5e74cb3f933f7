// Package adc implements the wire-level ADC protocol: command framing,
// parameter escaping, fourCC packing, and the session/client identifiers
// used throughout the hub.
package adc

import (
	"github.com/direct-connect/go-dc/tiger"
)

// TTH is a Tiger Tree Hash value, used to derive a CID from a PID.
type TTH = tiger.Hash

// idSize is the byte length of a CID/PID (192 bits).
const idSize = 24

// base32Len is the length of the base-32, no-padding encoding of idSize
// bytes: ceil(idSize*8/5).
const base32Len = 39
