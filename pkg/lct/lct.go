// Package lct builds and parses the LCT header (RFC 5651 5.1) used by ALC
// packets.
package lct

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Header extension types.
const (
	ExtNop  uint8 = 0
	ExtAuth uint8 = 1
	ExtTime uint8 = 2
	ExtFti  uint8 = 64
	ExtFdt  uint8 = 192
	ExtCenc uint8 = 193
)

// Version is the LCT version emitted on the wire.
const Version = 1

// Header is the parsed LCT header of one packet.
type Header struct {
	Len             uint32 // header length in bytes
	Tsi             uint64
	Toi             uint64
	Codepoint       uint8
	CloseObject     bool
	CloseSession    bool
	HeaderExtOffset uint32
}

// PushHeader appends the LCT header for this engine's fixed layout:
// CCI is a single zero word (C=0), TSI and TOI are 16-bit half-words
// (S=0, O=0, H=1). hdrLen is counted in 32-bit words and grows as
// extensions are appended with IncHdrLen.
func PushHeader(data *[]byte, psi uint8, tsi uint16, toi uint16, codepoint uint8, closeObject, closeSession bool) {
	const (
		c = 0 // CCI flag: one 32-bit word
		s = 0 // TSI half-word only
		o = 0 // TOI half-word only
		h = 1 // half-word flag set
	)
	// Header words: the base word, c+1 CCI words, then the TSI/TOI field
	// words (one shared word when both are half-words).
	hdrLen := uint8(1 + (c + 1) + s + o + h)

	var b, a uint32
	if closeObject {
		b = 1
	}
	if closeSession {
		a = 1
	}

	word := uint32(codepoint) |
		uint32(hdrLen)<<8 |
		b<<16 |
		a<<17 |
		uint32(h)<<20 |
		uint32(o)<<21 |
		uint32(s)<<23 |
		uint32(psi)<<24 |
		uint32(c)<<26 |
		uint32(Version)<<28

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], word)
	*data = append(*data, buf[:]...)

	// CCI word (congestion control unused, always zero)
	*data = append(*data, 0, 0, 0, 0)

	// TSI and TOI half-words
	*data = append(*data, byte(tsi>>8), byte(tsi), byte(toi>>8), byte(toi))
}

// IncHdrLen grows the header-length field by val 32-bit words. Must be
// called after appending each header extension.
func IncHdrLen(data []byte, val uint8) {
	data[2] += val
}

// ParseHeader decodes an LCT header of any flag combination the wire
// format allows, not only the fixed one PushHeader emits.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < 4 {
		return nil, errors.New("packet too short for LCT header")
	}

	hdrLen := int(data[2]) << 2
	if hdrLen > len(data) {
		return nil, errors.Errorf("LCT header length %d exceeds packet size %d", hdrLen, len(data))
	}

	flags1 := data[0]
	flags2 := data[1]
	codepoint := data[3]

	version := flags1 >> 4
	if version != 1 && version != 2 {
		return nil, errors.Errorf("LCT version %d is not supported", version)
	}

	c := (flags1 >> 2) & 0x3
	s := (flags2 >> 7) & 0x1
	o := (flags2 >> 5) & 0x3
	h := (flags2 >> 4) & 0x1
	a := (flags2 >> 1) & 0x1
	b := flags2 & 0x1

	cciLen := (uint32(c) + 1) << 2
	tsiLen := uint32(s)<<2 + uint32(h)<<1
	toiLen := uint32(o)<<2 + uint32(h)<<1

	cciTo := 4 + int(cciLen)
	tsiTo := cciTo + int(tsiLen)
	toiTo := tsiTo + int(toiLen)
	if toiTo > len(data) || tsiLen > 8 || toiLen > 8 {
		return nil, errors.Errorf("LCT fields end at offset %d, packet size is %d", toiTo, len(data))
	}
	if toiTo > hdrLen {
		return nil, errors.New("LCT extension offset outside header")
	}

	var tsiBuf, toiBuf [8]byte
	copy(tsiBuf[8-tsiLen:], data[cciTo:tsiTo])
	copy(toiBuf[8-toiLen:], data[tsiTo:toiTo])

	return &Header{
		Len:             uint32(hdrLen),
		Tsi:             binary.BigEndian.Uint64(tsiBuf[:]),
		Toi:             binary.BigEndian.Uint64(toiBuf[:]),
		Codepoint:       codepoint,
		CloseObject:     b != 0,
		CloseSession:    a != 0,
		HeaderExtOffset: uint32(toiTo),
	}, nil
}

// GetExt walks the header extensions and returns the first one with type
// ext, or nil when absent.
func GetExt(data []byte, hdr *Header, ext uint8) ([]byte, error) {
	if hdr.HeaderExtOffset >= hdr.Len {
		// No extensions present.
		return nil, nil
	}

	rest := data[hdr.HeaderExtOffset:hdr.Len]
	for len(rest) >= 4 {
		het := rest[0]
		var hel int
		if het >= 128 {
			hel = 4
		} else {
			hel = int(rest[1]) << 2
		}
		if hel == 0 || hel > len(rest) {
			return nil, errors.Errorf("LCT extension size %d/%d for HET %d", hel, len(rest), het)
		}
		if het == ext {
			return rest[:hel], nil
		}
		rest = rest[hel:]
	}
	return nil, nil
}
