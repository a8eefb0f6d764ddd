// Package object implements the transfer objects of a FLUTE session: the
// source-block/symbol model, RFC 5052 partitioning and the File and
// FileStream object kinds shared by the transmitter and receiver.
package object

import (
	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/oti"
)

// Symbol is the per-symbol state inside a source block. The symbol bytes
// live in the owning block's backing store at Offset; symbols never alias
// each other.
type Symbol struct {
	ID     uint16
	Offset int
	Length int

	// HasContent is false only inside a FileStream block whose buffer has
	// not been filled by PushToFile yet. GetNextSymbols and the retriever
	// only select symbols where this is true.
	HasContent bool
	Complete   bool
	Queued     bool
}

// SourceBlock is one FEC source block: a backing store plus symbol
// metadata. Data is nil on the FileStream receive path until the first
// symbol for the block arrives.
type SourceBlock struct {
	ID       uint16
	Complete bool
	Length   int // sum of the symbol lengths
	Data     []byte
	Symbols  []Symbol
}

// SymbolData returns the byte slice backing symbol i.
func (b *SourceBlock) SymbolData(i int) []byte {
	s := &b.Symbols[i]
	return b.Data[s.Offset : s.Offset+s.Length]
}

// Partitioning is the RFC 5052 9.1 result set, as exposed by FEC
// transformers and used for plain no-code partitioning.
type Partitioning struct {
	NofSourceSymbols       uint32
	NofSourceBlocks        uint32
	LargeSourceBlockLength uint32
	SmallSourceBlockLength uint32
	NofLargeSourceBlocks   uint32
}

// Transformer is the FEC codec attached to an object for every scheme
// other than compact no-code. One transformer instance is exclusive to its
// owning object.
type Transformer interface {
	// Partitioning reports the transformer's own partitioning, replacing
	// the RFC 5052 arithmetic.
	Partitioning() Partitioning

	// AllocateFileBuffer returns a buffer of at least minLength bytes,
	// sized to the codec's padded block layout.
	AllocateFileBuffer(minLength int) ([]byte, error)

	// CreateBlocks builds the source blocks over buffer. On the encoder it
	// produces encoded symbols (source plus repair); on the decoder it
	// pre-sizes empty blocks. Returns the blocks and the number of buffer
	// bytes consumed.
	CreateBlocks(buffer []byte) ([]*SourceBlock, int, error)

	// ProcessSymbol feeds one received symbol to the block's decoder,
	// creating the decoder context on first use.
	ProcessSymbol(block *SourceBlock, sym *Symbol, id uint16) error

	// CheckSourceBlockCompletion reports whether the block can be
	// considered complete (decoder solved, or all symbols present).
	CheckSourceBlockCompletion(block *SourceBlock) bool

	// ExtractFile copies the decoded source data of all blocks back into
	// fileBuffer after completion.
	ExtractFile(blocks []*SourceBlock, fileBuffer []byte) error

	// SourceBlockLength returns the source-symbol count of a block.
	SourceBlockLength(blockID uint16) uint32

	// DiscardDecoder frees and forgets the decoder of one block, so a
	// retransmission can start over (used on hash mismatch).
	DiscardDecoder(blockID uint16)
}

// Concurrency caps shared by every object in the process: at most one
// CreateBlocks runs at a time, at most eight ProcessSymbol invocations run
// concurrently.
var (
	createBlocksSem  = make(chan struct{}, 1)
	processSymbolSem = make(chan struct{}, 8)
)

func symbolScheme(fecOti oti.FecOti) oti.FecScheme {
	return fecOti.EncodingID
}

// encodingSymbolFor wraps block symbol i as a wire encoding symbol.
func encodingSymbolFor(b *SourceBlock, i int, scheme oti.FecScheme) alc.EncodingSymbol {
	return alc.NewEncodingSymbol(b.Symbols[i].ID, b.ID, b.SymbolData(i), scheme)
}
