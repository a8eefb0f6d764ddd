// Package alc encodes and decodes ALC packets: an LCT header, the EXT_FTI
// (and EXT_FDT for TOI 0) extensions and a payload of encoding symbols.
package alc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/idlab-discover/5GBDash/pkg/lct"
	"github.com/idlab-discover/5GBDash/pkg/oti"
)

// ErrMalformedPacket wraps every ALC parse failure.
var ErrMalformedPacket = errors.New("malformed ALC packet")

// HeaderOverhead is the full ALC header size this engine emits: LCT base
// word, CCI word, TSI+TOI half-words, EXT_FDT and EXT_FTI.
const HeaderOverhead = 32

// Packet is a parsed (or freshly encoded) ALC packet.
type Packet struct {
	Tsi           uint64
	Toi           uint64
	FecOti        oti.FecOti
	FdtInstanceID uint32

	// Data is the full packet buffer; PayloadOffset marks where the FEC
	// payload ID begins.
	Data          []byte
	PayloadOffset int

	// MayBufferIfUnknown tags packets that the receiver is allowed to park
	// in the unknown-TOI buffer while the describing FDT is outstanding.
	MayBufferIfUnknown bool
}

// Payload returns the FEC payload ID plus symbol bytes.
func (p *Packet) Payload() []byte {
	return p.Data[p.PayloadOffset:]
}

// Size returns the total packet length in bytes.
func (p *Packet) Size() int {
	return len(p.Data)
}

// Symbols splits the payload into encoding symbols using the packet's OTI.
func (p *Packet) Symbols() ([]EncodingSymbol, error) {
	return SymbolsFromPayload(p.Payload(), p.FecOti)
}

// Encode builds the wire form of one ALC packet carrying symbols, which
// must all belong to the same source block with contiguous ids. maxSize
// bounds the payload symbol bytes (header overhead excluded).
func Encode(tsi, toi uint16, fecOti oti.FecOti, symbols []EncodingSymbol, maxSize int, fdtInstanceID uint32) ([]byte, error) {
	if len(symbols) == 0 {
		return nil, errors.New("no symbols to encode")
	}

	sbn := symbols[0].SBN
	esi := symbols[0].ID
	payloadLen := 0
	for i, s := range symbols {
		if s.SBN != sbn {
			return nil, errors.Errorf("symbols span source blocks %d and %d", sbn, s.SBN)
		}
		if s.ID != esi+uint16(i) {
			return nil, errors.Errorf("symbol ids are not contiguous: want %d, got %d", esi+uint16(i), s.ID)
		}
		payloadLen += len(s.Data)
	}
	if payloadLen > maxSize {
		return nil, errors.Errorf("payload of %d bytes exceeds max size %d", payloadLen, maxSize)
	}

	buf := make([]byte, 0, HeaderOverhead+4+payloadLen)
	lct.PushHeader(&buf, 0, tsi, toi, 0, false, false)

	if toi == 0 {
		pushExtFdt(&buf, 2, fdtInstanceID)
	}
	pushExtFti(&buf, fecOti)

	WritePayloadID(&buf, sbn, esi)
	for _, s := range symbols {
		buf = append(buf, s.Data...)
	}
	return buf, nil
}

// Decode parses a received datagram into a Packet.
func Decode(data []byte) (*Packet, error) {
	hdr, err := lct.ParseHeader(data)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedPacket, err.Error())
	}

	fti, err := lct.GetExt(data, hdr, lct.ExtFti)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedPacket, err.Error())
	}
	if fti == nil {
		return nil, errors.Wrap(ErrMalformedPacket, "missing EXT_FTI")
	}
	fecOti, err := parseExtFti(fti)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedPacket, err.Error())
	}

	var instanceID uint32
	if hdr.Toi == 0 {
		fdtExt, err := lct.GetExt(data, hdr, lct.ExtFdt)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedPacket, err.Error())
		}
		if fdtExt == nil {
			return nil, errors.Wrap(ErrMalformedPacket, "missing EXT_FDT on TOI 0")
		}
		instanceID = binary.BigEndian.Uint32(fdtExt) & 0xFFFFF
	}

	if int(hdr.Len) > len(data) {
		return nil, errors.Wrap(ErrMalformedPacket, "truncated payload")
	}

	return &Packet{
		Tsi:           hdr.Tsi,
		Toi:           hdr.Toi,
		FecOti:        fecOti,
		FdtInstanceID: instanceID,
		Data:          data,
		PayloadOffset: int(hdr.Len),
	}, nil
}

// pushExtFdt appends the EXT_FDT extension: HET 192, the FDT version in
// bits 23..20 and the instance id in the low 20 bits.
func pushExtFdt(buf *[]byte, version uint8, instanceID uint32) {
	word := uint32(lct.ExtFdt)<<24 | uint32(version)<<20 | instanceID&0xFFFFF
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], word)
	*buf = append(*buf, b[:]...)
	lct.IncHdrLen(*buf, 1)
}

// pushExtFti appends the 16-byte EXT_FTI extension: 48-bit transfer length,
// 16-bit FEC instance id (the encoding id for this engine), 16-bit symbol
// length and 32-bit maximum source block length.
func pushExtFti(buf *[]byte, fecOti oti.FecOti) {
	var b [16]byte
	b[0] = lct.ExtFti
	b[1] = 4 // HEL, in 32-bit words
	b[2] = byte(fecOti.TransferLength >> 40)
	b[3] = byte(fecOti.TransferLength >> 32)
	binary.BigEndian.PutUint32(b[4:8], uint32(fecOti.TransferLength))
	binary.BigEndian.PutUint16(b[8:10], uint16(fecOti.EncodingID))
	binary.BigEndian.PutUint16(b[10:12], uint16(fecOti.EncodingSymbolLength))
	binary.BigEndian.PutUint32(b[12:16], fecOti.MaxSourceBlockLength)
	*buf = append(*buf, b[:]...)
	lct.IncHdrLen(*buf, 4)
}

func parseExtFti(ext []byte) (oti.FecOti, error) {
	if len(ext) != 16 {
		return oti.FecOti{}, errors.Errorf("EXT_FTI length %d, want 16", len(ext))
	}
	transferLength := uint64(ext[2])<<40 | uint64(ext[3])<<32 | uint64(binary.BigEndian.Uint32(ext[4:8]))
	scheme := oti.FecScheme(binary.BigEndian.Uint16(ext[8:10]))
	return oti.FecOti{
		EncodingID:           scheme,
		TransferLength:       transferLength,
		EncodingSymbolLength: uint32(binary.BigEndian.Uint16(ext[10:12])),
		MaxSourceBlockLength: binary.BigEndian.Uint32(ext[12:16]),
	}, nil
}
