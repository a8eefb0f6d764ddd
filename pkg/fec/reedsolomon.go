package fec

import (
	"math"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"

	"github.com/idlab-discover/5GBDash/pkg/fdt"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/tools"
)

// ReedSolomonFEC implements the optional Reed-Solomon GF(2^8) transformer
// (encoding id 5). Blocks follow the RFC 5052 partitioning; every block
// carries ceil(15%) parity shards, derived identically on both sides from
// the OTI, so no extra wire attributes are needed.
type ReedSolomonFEC struct {
	isEncoder bool

	F    uint64
	T    uint32
	Kt   uint32
	part object.Partitioning

	decoders map[uint16]*rsBlockDecoder
}

type rsBlockDecoder struct {
	shards   [][]byte // index: shard id, nil until received
	received int
	finished bool
}

// NewReedSolomonEncoder builds the transmit-side transformer.
func NewReedSolomonEncoder(transferLength uint64, symbolLength, maxSourceBlockLength uint32) (*ReedSolomonFEC, error) {
	return newReedSolomon(true, transferLength, symbolLength, maxSourceBlockLength)
}

// NewReedSolomonDecoder builds the receive-side transformer from an FDT
// entry.
func NewReedSolomonDecoder(entry fdt.FileEntry) (*ReedSolomonFEC, error) {
	return newReedSolomon(false, entry.TransferLength(),
		entry.FecOti.EncodingSymbolLength, entry.FecOti.MaxSourceBlockLength)
}

func newReedSolomon(isEncoder bool, transferLength uint64, symbolLength, maxSourceBlockLength uint32) (*ReedSolomonFEC, error) {
	if symbolLength == 0 || maxSourceBlockLength == 0 {
		return nil, errors.Wrap(ErrFECConfig, "invalid Reed-Solomon parameters")
	}
	// GF(2^8) bounds the shard count of one block to 255.
	if maxSourceBlockLength > 200 {
		return nil, errors.Wrap(ErrFECConfig, "maximum source block length too large for GF(2^8)")
	}
	r := &ReedSolomonFEC{
		isEncoder: isEncoder,
		F:         transferLength,
		T:         symbolLength,
		Kt:        uint32(tools.DivCeil(transferLength, uint64(symbolLength))),
		decoders:  make(map[uint16]*rsBlockDecoder),
	}
	if r.Kt == 0 {
		return nil, errors.Wrap(ErrFECConfig, "empty object")
	}
	aLarge, aSmall, nbALarge, nbBlocks := object.BlockPartitioning(
		uint64(maxSourceBlockLength), transferLength, uint64(symbolLength))
	r.part = object.Partitioning{
		NofSourceSymbols:       r.Kt,
		NofSourceBlocks:        uint32(nbBlocks),
		LargeSourceBlockLength: uint32(aLarge),
		SmallSourceBlockLength: uint32(aSmall),
		NofLargeSourceBlocks:   uint32(nbALarge),
	}
	return r, nil
}

func (r *ReedSolomonFEC) Partitioning() object.Partitioning {
	return r.part
}

// SourceBlockLength returns the source symbol count of one block.
func (r *ReedSolomonFEC) SourceBlockLength(blockID uint16) uint32 {
	if uint32(blockID) < r.part.NofLargeSourceBlocks {
		return r.part.LargeSourceBlockLength
	}
	return r.part.SmallSourceBlockLength
}

// parityCount is the repair shard count of one block, at least one.
func (r *ReedSolomonFEC) parityCount(blockID uint16) uint32 {
	k := r.SourceBlockLength(blockID)
	p := uint32(math.Ceil(float64(k) * (surplusPacketRatio - 1)))
	if p == 0 {
		p = 1
	}
	return p
}

// blockByteRange returns the byte offset and actual payload size of one
// block within the object buffer.
func (r *ReedSolomonFEC) blockByteRange(blockID uint16) (int, int) {
	offset := uint64(0)
	for z := uint16(0); z < blockID; z++ {
		offset += uint64(r.SourceBlockLength(z)) * uint64(r.T)
	}
	size := uint64(r.SourceBlockLength(blockID)) * uint64(r.T)
	if offset+size > r.F {
		size = r.F - offset
	}
	return int(offset), int(size)
}

func (r *ReedSolomonFEC) AllocateFileBuffer(minLength int) ([]byte, error) {
	if uint64(minLength) > r.F {
		return nil, errors.Wrap(ErrFECConfig, "minimum length exceeds the object size")
	}
	return make([]byte, r.F), nil
}

func (r *ReedSolomonFEC) CreateBlocks(buffer []byte) ([]*object.SourceBlock, int, error) {
	blocks := make([]*object.SourceBlock, 0, r.part.NofSourceBlocks)
	bytesRead := 0
	for z := uint32(0); z < r.part.NofSourceBlocks; z++ {
		k := r.SourceBlockLength(uint16(z))
		parity := r.parityCount(uint16(z))
		total := k + parity

		block := &object.SourceBlock{
			ID:     uint16(z),
			Length: int(total * r.T),
			Data:   make([]byte, total*r.T),
		}
		for i := uint32(0); i < total; i++ {
			block.Symbols = append(block.Symbols, object.Symbol{
				ID:         uint16(i),
				Offset:     int(i * r.T),
				Length:     int(r.T),
				HasContent: true,
			})
		}

		if r.isEncoder {
			offset, size := r.blockByteRange(uint16(z))
			copy(block.Data[:size], buffer[offset:offset+size])

			enc, err := reedsolomon.New(int(k), int(parity))
			if err != nil {
				return nil, bytesRead, errors.Wrap(ErrFECConfig, err.Error())
			}
			shards := make([][]byte, total)
			for i := uint32(0); i < total; i++ {
				shards[i] = block.Data[i*r.T : (i+1)*r.T]
			}
			if err := enc.Encode(shards); err != nil {
				return nil, bytesRead, errors.Wrap(ErrFECConfig, err.Error())
			}
			bytesRead += size
		}
		blocks = append(blocks, block)
	}
	return blocks, bytesRead, nil
}

func (r *ReedSolomonFEC) ProcessSymbol(block *object.SourceBlock, sym *object.Symbol, id uint16) error {
	k := r.SourceBlockLength(block.ID)
	parity := r.parityCount(block.ID)
	total := int(k + parity)

	dec := r.decoders[block.ID]
	if dec == nil {
		dec = &rsBlockDecoder{shards: make([][]byte, total)}
		r.decoders[block.ID] = dec
	}
	if dec.finished || int(id) >= total {
		return nil
	}
	if dec.shards[id] == nil {
		shard := make([]byte, sym.Length)
		copy(shard, block.Data[sym.Offset:sym.Offset+sym.Length])
		dec.shards[id] = shard
		dec.received++
	}
	if dec.received >= int(k) {
		dec.finished = true
	}
	return nil
}

func (r *ReedSolomonFEC) CheckSourceBlockCompletion(block *object.SourceBlock) bool {
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

func (r *ReedSolomonFEC) ExtractFile(blocks []*object.SourceBlock, fileBuffer []byte) error {
	if r.isEncoder {
		return nil
	}
	for _, block := range blocks {
		dec := r.decoders[block.ID]
		if dec == nil || !dec.finished {
			return errors.Errorf("no finished decoder for source block %d", block.ID)
		}
		k := r.SourceBlockLength(block.ID)
		parity := r.parityCount(block.ID)

		enc, err := reedsolomon.New(int(k), int(parity))
		if err != nil {
			return errors.Wrap(ErrFECConfig, err.Error())
		}
		if err := enc.Reconstruct(dec.shards); err != nil {
			return errors.Wrap(err, "reconstruct source block")
		}

		offset, size := r.blockByteRange(block.ID)
		copied := 0
		for i := uint32(0); i < k && copied < size; i++ {
			n := size - copied
			if n > int(r.T) {
				n = int(r.T)
			}
			copy(fileBuffer[offset+copied:offset+copied+n], dec.shards[i][:n])
			copy(block.Data[int(i)*int(r.T):], dec.shards[i])
			copied += n
		}
	}
	return nil
}

func (r *ReedSolomonFEC) DiscardDecoder(blockID uint16) {
	delete(r.decoders, blockID)
}
