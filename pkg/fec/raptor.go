package fec

import (
	"math"

	fountain "github.com/google/gofountain"
	"github.com/pkg/errors"

	"github.com/idlab-discover/5GBDash/pkg/fdt"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/oti"
)

// msblCeiling is the RFC 5581 6.2.1.2 bound: the maximum source block
// length for FEC scheme 1 must stay below 8192 symbols.
const msblCeiling = 8191

// kMin is the minimum source symbol count of RFC 5053 4.2.
const kMin = 148

// subBlockTarget is W, the target sub-block size. 16 MiB keeps the number
// of sub-blocks at 1 for any sane MTU.
const subBlockTarget = 16 * 1024 * 1024

// RaptorFEC implements the Raptor transformer (encoding id 1) on top of
// the gofountain LT codec, one codec instance per source block.
type RaptorFEC struct {
	isEncoder bool

	F  uint64 // object size in bytes
	P  uint32 // maximum payload size
	Al uint32 // symbol alignment
	T  uint32 // symbol size in bytes
	G  uint32 // symbols per packet
	Z  uint32 // number of source blocks
	N  uint32 // number of sub-blocks per source block
	K  uint32 // symbols per source block
	Kt uint32 // total number of symbols

	maxSourceBlockLength uint32

	decoders map[uint16]*raptorBlockDecoder
}

type raptorBlockDecoder struct {
	dec      fountain.Decoder
	finished bool
	message  []byte
}

// NewRaptorEncoder derives the RFC 5053 4.2 parameters for an object of
// transferLength bytes with maximum payload maxPayload.
func NewRaptorEncoder(transferLength uint64, maxPayload, maxSourceBlockLength uint32) (*RaptorFEC, error) {
	r := &RaptorFEC{
		isEncoder: true,
		F:         transferLength,
		P:         maxPayload,
		Al:        oti.SymbolAlignment,
		decoders:  make(map[uint16]*raptorBlockDecoder),
	}
	if maxSourceBlockLength > msblCeiling {
		maxSourceBlockLength = msblCeiling
	}
	r.maxSourceBlockLength = maxSourceBlockLength

	g := math.Min(math.Min(
		math.Ceil(float64(maxPayload)*kMin/float64(transferLength)),
		float64(maxPayload)/float64(r.Al)), 10)
	r.G = uint32(g)

	r.T = uint32(math.Floor(float64(maxPayload)/(float64(r.Al)*g))) * r.Al
	if r.T == 0 || r.T%r.Al != 0 {
		return nil, errors.Wrap(ErrFECConfig, "symbol size is not a multiple of the alignment parameter")
	}

	r.Kt = uint32(math.Ceil(float64(transferLength) / float64(r.T)))
	if r.Kt < 4 {
		return nil, errors.Wrap(ErrFECConfig, "input is smaller than 4 symbols")
	}

	r.Z = uint32(math.Ceil(float64(r.Kt) / float64(r.maxSourceBlockLength)))
	if r.Kt > r.maxSourceBlockLength {
		r.K = r.maxSourceBlockLength
	} else {
		r.K = r.Kt
	}
	r.maxSourceBlockLength = r.K

	r.N = uint32(math.Min(
		math.Ceil(math.Ceil(float64(r.Kt)/float64(r.Z))*float64(r.T)/subBlockTarget),
		float64(r.T)/float64(r.Al)))

	log.Debugf("raptor scheme 1: T=%d K=%d Z=%d N=%d Kt=%d", r.T, r.K, r.Z, r.N, r.Kt)
	return r, nil
}

// NewRaptorDecoder rebuilds the encoder's parameters from a Raptor FDT
// entry.
func NewRaptorDecoder(entry fdt.FileEntry, global oti.FecOti) (*RaptorFEC, error) {
	if entry.Raptor == nil {
		return nil, errors.Wrap(ErrFECConfig, "Raptor entry without scheme attributes")
	}
	r := &RaptorFEC{
		isEncoder: false,
		F:         entry.TransferLength(),
		Al:        entry.Raptor.SymbolAlignment,
		T:         entry.FecOti.EncodingSymbolLength,
		Z:         entry.Raptor.NumSourceBlocks,
		N:         entry.Raptor.NumSubBlocks,
		decoders:  make(map[uint16]*raptorBlockDecoder),
	}
	if r.Al == 0 || r.T%r.Al != 0 {
		return nil, errors.Wrap(ErrFECConfig, "symbol size is not a multiple of the alignment parameter")
	}
	if r.T == 0 || r.Z == 0 {
		return nil, errors.Wrap(ErrFECConfig, "invalid Raptor parameters")
	}

	msbl := entry.FecOti.MaxSourceBlockLength
	if msbl >= 8192 {
		msbl = msblCeiling
	}
	r.maxSourceBlockLength = msbl

	r.Kt = uint32(math.Ceil(float64(r.F) / float64(r.T)))
	if r.Kt > msbl {
		r.K = msbl
	} else {
		r.K = r.Kt
	}
	return r, nil
}

// Partitioning reports the Raptor layout. Raptor blocks have a fixed size,
// so there are no "large" blocks, only regular ones and possibly a short
// final one.
func (r *RaptorFEC) Partitioning() object.Partitioning {
	return object.Partitioning{
		NofSourceSymbols:       r.Kt,
		NofSourceBlocks:        r.Z,
		SmallSourceBlockLength: (r.Z*r.K - r.Kt) * r.T,
	}
}

// targetK is the number of encoding symbols generated per block: the
// source count plus the surplus ratio, with at least one repair symbol.
func (r *RaptorFEC) targetK(blockNo uint32) uint32 {
	if blockNo < r.Z-1 {
		target := uint32(float64(r.K) * surplusPacketRatio)
		if target > r.K {
			return target
		}
		return r.K + 1
	}
	remaining := r.Kt - r.K*(r.Z-1)
	target := uint32(float64(remaining) * surplusPacketRatio)
	if remaining+1 > target {
		return remaining + 1
	}
	return target
}

// SourceBlockLength returns the source symbol count of a block; the last
// block is usually shorter unless the object size divides evenly.
func (r *RaptorFEC) SourceBlockLength(blockID uint16) uint32 {
	if uint32(blockID) < r.Z-1 {
		return r.K
	}
	return r.Kt - r.K*(r.Z-1)
}

// blockSize returns the payload byte count of a block.
func (r *RaptorFEC) blockSize(blockID uint32) uint64 {
	if blockID < r.Z-1 {
		return uint64(r.K) * uint64(r.T)
	}
	return r.F - uint64(r.K)*uint64(r.T)*uint64(r.Z-1)
}

// AllocateFileBuffer sizes the object buffer to the padded Z*K*T layout.
func (r *RaptorFEC) AllocateFileBuffer(minLength int) ([]byte, error) {
	length := uint64(r.Z) * uint64(r.K) * uint64(r.T)
	if uint64(minLength) > length {
		return nil, errors.Wrap(ErrFECConfig, "minimum length exceeds the maximum possible object size")
	}
	return make([]byte, length), nil
}

// CreateBlocks encodes (or, on the decoder, pre-sizes) all source blocks.
func (r *RaptorFEC) CreateBlocks(buffer []byte) ([]*object.SourceBlock, int, error) {
	if r.isEncoder && r.N != 1 {
		return nil, 0, errors.Wrap(ErrFECConfig, "encoding supports only 1 sub-block per block")
	}

	blocks := make([]*object.SourceBlock, 0, r.Z)
	bytesRead := 0
	for z := uint32(0); z < r.Z; z++ {
		if r.isEncoder {
			block, n, err := r.createBlock(buffer, bytesRead, z)
			if err != nil {
				return nil, bytesRead, err
			}
			bytesRead += n
			blocks = append(blocks, block)
			continue
		}

		// Decoder: empty symbol slots for the full encoded count.
		target := r.targetK(z)
		block := &object.SourceBlock{
			ID:     uint16(z),
			Length: int(target * r.T),
			Data:   make([]byte, target*r.T),
		}
		for i := uint32(0); i < target; i++ {
			block.Symbols = append(block.Symbols, object.Symbol{
				ID:         uint16(i),
				Offset:     int(i * r.T),
				Length:     int(r.T),
				HasContent: true,
			})
		}
		blocks = append(blocks, block)
	}
	return blocks, bytesRead, nil
}

func (r *RaptorFEC) createBlock(buffer []byte, offset int, z uint32) (*object.SourceBlock, int, error) {
	nsymbs := r.SourceBlockLength(uint16(z))
	size := int(r.blockSize(z))
	if offset+size > len(buffer) {
		return nil, 0, errors.Wrap(ErrFECConfig, "buffer too small for block layout")
	}

	// EncodeLTBlocks is destructive to its message, and the last block may
	// be shorter than nsymbs*T, so encode from a padded copy.
	message := make([]byte, nsymbs*r.T)
	copy(message, buffer[offset:offset+size])

	codec := fountain.NewRaptorCodec(int(nsymbs), int(r.Al))
	target := r.targetK(z)
	ids := make([]int64, target)
	for i := range ids {
		ids[i] = int64(i)
	}
	ltBlocks := fountain.EncodeLTBlocks(message, ids, codec)

	block := &object.SourceBlock{
		ID:     uint16(z),
		Length: int(target * r.T),
		Data:   make([]byte, target*r.T),
	}
	for i, lb := range ltBlocks {
		copy(block.Data[i*int(r.T):(i+1)*int(r.T)], lb.Data)
		block.Symbols = append(block.Symbols, object.Symbol{
			ID:         uint16(i),
			Offset:     i * int(r.T),
			Length:     int(r.T),
			HasContent: true,
		})
	}
	return block, size, nil
}

// ProcessSymbol feeds one received symbol to the block's decoder as an LT
// packet, creating the decoder context on first use.
func (r *RaptorFEC) ProcessSymbol(block *object.SourceBlock, sym *object.Symbol, id uint16) error {
	if uint32(sym.Length) != r.T {
		return errors.Wrapf(ErrFECConfig, "symbol length %d is not T=%d", sym.Length, r.T)
	}

	dec := r.decoders[block.ID]
	if dec == nil {
		nsymbs := r.SourceBlockLength(block.ID)
		codec := fountain.NewRaptorCodec(int(nsymbs), int(r.Al))
		dec = &raptorBlockDecoder{dec: codec.NewDecoder(int(nsymbs * r.T))}
		r.decoders[block.ID] = dec
	}
	if dec.finished {
		log.Debugf("skipped symbol for finished block, SBN %d ESI %d", block.ID, id)
		return nil
	}

	data := make([]byte, sym.Length)
	copy(data, block.Data[sym.Offset:sym.Offset+sym.Length])
	if dec.dec.AddBlocks([]fountain.LTBlock{{BlockCode: int64(id), Data: data}}) {
		dec.finished = true
		dec.message = dec.dec.Decode()
		log.Debugf("raptor: finished decoding source block %d", block.ID)
	}
	return nil
}

// CheckSourceBlockCompletion consults the decoder's finished flag; on the
// encoder a block is complete when every symbol has been sent.
func (r *RaptorFEC) CheckSourceBlockCompletion(block *object.SourceBlock) bool {
	if r.isEncoder {
		for i := range block.Symbols {
			if !block.Symbols[i].Complete {
				return false
			}
		}
		return true
	}
	dec := r.decoders[block.ID]
	return dec != nil && dec.finished
}

// ExtractFile copies the decoded source data of every block back into the
// object buffer (and the block stores) after completion.
func (r *RaptorFEC) ExtractFile(blocks []*object.SourceBlock, fileBuffer []byte) error {
	if r.isEncoder {
		return nil
	}
	for _, block := range blocks {
		dec := r.decoders[block.ID]
		if dec == nil || !dec.finished || dec.message == nil {
			return errors.Errorf("no finished decoder for source block %d", block.ID)
		}
		size := int(r.blockSize(uint32(block.ID)))
		offset := int(block.ID) * int(r.K) * int(r.T)
		if offset+size > len(fileBuffer) {
			return errors.New("decoded block does not fit the file buffer")
		}
		copy(fileBuffer[offset:offset+size], dec.message[:size])
		copy(block.Data, dec.message)
	}
	return nil
}

// DiscardDecoder frees and forgets the decoder of one block.
func (r *RaptorFEC) DiscardDecoder(blockID uint16) {
	delete(r.decoders, blockID)
}
