// Package oti models the FEC Object Transmission Information carried per
// session and per FDT entry.
package oti

import "fmt"

// FecScheme identifies the FEC encoding id of an object (RFC 5052 / 5053).
type FecScheme uint8

const (
	CompactNoCode FecScheme = 0
	Raptor        FecScheme = 1
	// The remaining ids are reserved by the registry; of these only
	// Reed-Solomon GF(2^8) is implemented here, as an optional scheme.
	ReedSolomonGF2M              FecScheme = 2
	LDPCStaircase                FecScheme = 3
	LDPCTriangle                 FecScheme = 4
	ReedSolomonGF28              FecScheme = 5
	RaptorQ                      FecScheme = 6
	SmallBlockLargeBlockExpandab FecScheme = 128
	SmallBlockSystematic         FecScheme = 129
	Compact                      FecScheme = 130
)

func (f FecScheme) String() string {
	switch f {
	case CompactNoCode:
		return "CompactNoCode"
	case Raptor:
		return "Raptor"
	case ReedSolomonGF28:
		return "ReedSolomonGF28"
	default:
		return fmt.Sprintf("FecScheme(%d)", uint8(f))
	}
}

// Supported reports whether this engine can encode and decode objects with
// the given scheme.
func (f FecScheme) Supported() bool {
	switch f {
	case CompactNoCode, Raptor, ReedSolomonGF28:
		return true
	}
	return false
}

// FecOti carries the four transmission parameters a receiver needs to
// reconstruct the block partitioning of an object.
type FecOti struct {
	EncodingID           FecScheme
	TransferLength       uint64
	EncodingSymbolLength uint32
	MaxSourceBlockLength uint32
}

// SymbolAlignment is the Al parameter from RFC 5053 4.2, shared by the
// transmitter, retriever and the Raptor codec.
const SymbolAlignment = 4

// Default maximum source block lengths. Raptor uses the RFC 6681 7.4 value,
// everything else the engine default.
const (
	DefaultMaxSourceBlockLength       = 64
	RaptorDefaultMaxSourceBlockLength = 842
)

// MaxPayload derives the usable ALC payload for an MTU:
// MTU minus IP header, UDP header, the 32-byte ALC header (with EXT_FDT and
// EXT_FTI) and the 4-byte FEC payload ID. For Raptor the result is
// additionally floored to a multiple of the symbol alignment.
func MaxPayload(mtu uint, ipv6 bool, scheme FecScheme) uint32 {
	ipHeader := uint(20)
	if ipv6 {
		ipHeader = 40
	}
	payload := uint32(mtu - ipHeader - 8 - 32 - 4)
	if scheme == Raptor && payload%SymbolAlignment != 0 {
		payload -= payload % SymbolAlignment
	}
	return payload
}

// SessionOti builds the session-wide OTI for a scheme and MTU, with the
// transfer length left at zero until an object binds it.
func SessionOti(mtu uint, ipv6 bool, scheme FecScheme) FecOti {
	msbl := uint32(DefaultMaxSourceBlockLength)
	if scheme == Raptor {
		msbl = RaptorDefaultMaxSourceBlockLength
	}
	return FecOti{
		EncodingID:           scheme,
		TransferLength:       0,
		EncodingSymbolLength: MaxPayload(mtu, ipv6, scheme),
		MaxSourceBlockLength: msbl,
	}
}
