package v4l2

import (
	"strings"

	"github.com/pkg/errors"
)

// Common pixel formats.
var (
	PixFmtYUYV  = FourCC('Y', 'U', 'Y', 'V')
	PixFmtUYVY  = FourCC('U', 'Y', 'V', 'Y')
	PixFmtNV12  = FourCC('N', 'V', '1', '2')
	PixFmtMJPEG = FourCC('M', 'J', 'P', 'G')
	PixFmtH264  = FourCC('H', '2', '6', '4')
	PixFmtRGB24 = FourCC('R', 'G', 'B', '3')
	PixFmtGREY  = FourCC('G', 'R', 'E', 'Y')
	PixFmtBA81  = FourCC('B', 'A', '8', '1') // SBGGR8
	PixFmtRGGB  = FourCC('R', 'G', 'G', 'B') // SRGGB8
)

// FourCC packs four characters the way v4l2_fourcc() does.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// ParseFourCC accepts a code of one to four characters, padding short codes
// with spaces (e.g. "Y10" -> "Y10 ").
func ParseFourCC(s string) (uint32, error) {
	if len(s) == 0 || len(s) > 4 {
		return 0, errors.Errorf("v4l2: invalid fourcc %q", s)
	}
	for len(s) < 4 {
		s += " "
	}
	return FourCC(s[0], s[1], s[2], s[3]), nil
}

func FourCCString(v uint32) string {
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	return strings.TrimRight(string(b), " \x00")
}
