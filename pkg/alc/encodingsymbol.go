package alc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/idlab-discover/5GBDash/pkg/oti"
)

// EncodingSymbol is one FEC encoding symbol as carried in an ALC payload:
// a (source block, symbol id) pair plus the symbol bytes.
type EncodingSymbol struct {
	ID     uint16
	SBN    uint16
	Data   []byte
	Scheme oti.FecScheme
}

func NewEncodingSymbol(id, sbn uint16, data []byte, scheme oti.FecScheme) EncodingSymbol {
	return EncodingSymbol{ID: id, SBN: sbn, Data: data, Scheme: scheme}
}

// Len returns the symbol size in bytes.
func (e EncodingSymbol) Len() int {
	return len(e.Data)
}

// DecodeTo copies the symbol bytes into dst, bounded by dst's length.
func (e EncodingSymbol) DecodeTo(dst []byte) int {
	return copy(dst, e.Data)
}

// WritePayloadID appends the 4-byte FEC payload ID {SBN:16, ESI:16} naming
// the first symbol of a packet.
func WritePayloadID(buf *[]byte, sbn, esi uint16) {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], sbn)
	binary.BigEndian.PutUint16(b[2:4], esi)
	*buf = append(*buf, b[:]...)
}

// SymbolsFromPayload splits an ALC payload into its encoding symbols. The
// payload begins with the FEC payload ID of the first symbol; the remaining
// symbols are contiguous ESIs of the same source block, each of the OTI
// symbol length except possibly the last.
func SymbolsFromPayload(payload []byte, fecOti oti.FecOti) ([]EncodingSymbol, error) {
	if len(payload) < 4 {
		return nil, errors.New("payload too short for FEC payload ID")
	}
	if fecOti.EncodingSymbolLength == 0 {
		return nil, errors.New("OTI has zero encoding symbol length")
	}

	sbn := binary.BigEndian.Uint16(payload[0:2])
	esi := binary.BigEndian.Uint16(payload[2:4])
	rest := payload[4:]

	symbolLength := int(fecOti.EncodingSymbolLength)
	var symbols []EncodingSymbol
	for len(rest) > 0 {
		n := symbolLength
		if n > len(rest) {
			n = len(rest)
		}
		symbols = append(symbols, EncodingSymbol{
			ID:     esi,
			SBN:    sbn,
			Data:   rest[:n],
			Scheme: fecOti.EncodingID,
		})
		rest = rest[n:]
		esi++
	}
	return symbols, nil
}
