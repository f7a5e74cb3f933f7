package adc

// FourCC is a 4-character ASCII tag packed into a 32-bit integer. It is
// used both to identify a command (type byte + 3-letter name) and to
// identify a feature token (e.g. "BASE", "TIGR", "TCP4").
type FourCC uint32

// ToFourCC packs the first 4 bytes of s into a FourCC. s must be exactly
// 4 bytes; callers that need fewer must pad explicitly.
func ToFourCC(s string) FourCC {
	var v FourCC
	for i := 0; i < 4 && i < len(s); i++ {
		v = (v << 8) | FourCC(s[i])
	}
	return v
}

// String unpacks the FourCC back into its 4-character representation.
func (f FourCC) String() string {
	buf := [4]byte{
		byte(f >> 24),
		byte(f >> 16),
		byte(f >> 8),
		byte(f),
	}
	return string(buf[:])
}

// Well-known feature tokens required or recognized by this hub.
var (
	FeaBASE = ToFourCC("BASE")
	FeaBAS0 = ToFourCC("BAS0")
	FeaTIGR = ToFourCC("TIGR")
	FeaHBRI = ToFourCC("HBRI")
	FeaPING = ToFourCC("PING")

	FeaTCP4 = ToFourCC("TCP4")
	FeaTCP6 = ToFourCC("TCP6")
	FeaUDP4 = ToFourCC("UDP4")
	FeaUDP6 = ToFourCC("UDP6")
)
