package object

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/fdt"
	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/oti"
	"github.com/idlab-discover/5GBDash/pkg/tools"
)

// EmitMessageCallback receives a message extracted from a stream object.
type EmitMessageCallback func(streamID uint32, message string)

// messageStartMarker frames the messages an application writes into a
// stream: START\r\n<length>\r\n<payload>.
var messageStartMarker = []byte("START\r\n")

// FileStream is an append-only transfer object with a constant transfer
// length. Block buffers are allocated lazily: on the receive path when the
// first symbol of a block arrives, on the send path as PushToFile reaches
// the block. Completion covers symbol reception only, never hash checks.
type FileStream struct {
	FileBase
	ownBuffer bool

	nextSourceBlockInput int
	nextSymbolInput      int
	nextByteInput        int

	emitMessageCb EmitMessageCallback
	nextFile      *FileStream
	previousFile  *FileStream
}

// NewFileStreamFromEntry constructs a receive-side FileStream for an FDT
// entry. FEC transformers are not supported on streams.
func NewFileStreamFromEntry(entry fdt.FileEntry, mets *metrics.Metrics) (*FileStream, error) {
	if entry.FecOti.EncodingID != oti.CompactNoCode {
		return nil, errors.New("FEC is not supported on stream objects")
	}
	f := &FileStream{ownBuffer: true}
	f.initBase(entry, "RECEIVE", mets, f)

	if err := f.refuseStaleEntry(); err != nil {
		return nil, err
	}
	f.part = calculatePartitioning(entry.FecOti.TransferLength,
		entry.FecOti.EncodingSymbolLength, entry.FecOti.MaxSourceBlockLength)
	f.createBlocks()
	return f, nil
}

// NewFileStream constructs a transmit-side FileStream. With nil data the
// stream starts empty and is filled through PushToFile.
func NewFileStream(toi uint32, fecOti oti.FecOti, contentLocation, contentType string,
	expires, deadline uint64, data []byte, mets *metrics.Metrics) (*FileStream, error) {

	if toi == 0 {
		return nil, errors.New("TOI 0 is reserved for the FDT, use File")
	}
	if fecOti.EncodingID != oti.CompactNoCode {
		return nil, errors.New("FEC is not supported on stream objects")
	}

	entry := fdt.FileEntry{
		Toi:                toi,
		ContentLocation:    contentLocation,
		ContentType:        contentType,
		ContentLength:      fecOti.TransferLength,
		Expires:            expires,
		ShouldBeCompleteAt: deadline,
		FecOti:             fecOti,
	}

	f := &FileStream{ownBuffer: true}
	f.initBase(entry, "TRANSMIT", mets, f)
	f.part = calculatePartitioning(fecOti.TransferLength,
		fecOti.EncodingSymbolLength, fecOti.MaxSourceBlockLength)
	f.createBlocks()

	if data != nil {
		if _, err := f.PushToFile(data); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *FileStream) refuseStaleEntry() error {
	now := tools.NowMs()
	if f.meta.ShouldBeCompleteAt > 0 && f.meta.ShouldBeCompleteAt+deadlineSlackMs < now {
		return ErrDeadlineExceeded
	}
	if f.meta.Expires > 0 && f.meta.Expires*1000 < now {
		return ErrExpired
	}
	return nil
}

// createBlocks lays out blocks and symbols without allocating any block
// buffer. HasContent starts false everywhere; buffers appear on demand.
func (f *FileStream) createBlocks() {
	remaining := int(f.meta.FecOti.TransferLength)
	symbolLength := int(f.meta.FecOti.EncodingSymbolLength)
	blockID := uint16(0)
	for remaining > 0 {
		blockSymbols := int(f.part.SmallSourceBlockLength)
		if uint32(blockID) < f.part.NofLargeSourceBlocks {
			blockSymbols = int(f.part.LargeSourceBlockLength)
		}

		block := &SourceBlock{ID: blockID}
		blockOffset := 0
		for symbolID := 0; symbolID < blockSymbols && remaining > 0; symbolID++ {
			n := symbolLength
			if n > remaining {
				n = remaining
			}
			block.Symbols = append(block.Symbols, Symbol{
				ID:     uint16(symbolID),
				Offset: blockOffset,
				Length: n,
			})
			blockOffset += n
			remaining -= n
		}
		block.Length = blockOffset
		f.blocks = append(f.blocks, block)
		blockID++
	}
}

// ensureBlockBuffer allocates the block's backing store on first use.
// Must be called with the content lock held.
func (f *FileStream) ensureBlockBuffer(block *SourceBlock) {
	if block.Data != nil {
		return
	}
	block.Data = make([]byte, block.Length)
}

// Buffer is unavailable on streams: the object spans one buffer per block.
func (f *FileStream) Buffer() []byte {
	return nil
}

func (f *FileStream) FreeBuffer() {
	f.contentMu.Lock()
	if f.ownBuffer {
		for _, block := range f.blocks {
			block.Data = nil
			for i := range block.Symbols {
				block.Symbols[i].HasContent = false
			}
		}
		f.ownBuffer = false
	}
	f.contentMu.Unlock()
}

// PutSymbol stores a received symbol, allocating the block buffer lazily.
func (f *FileStream) PutSymbol(symbol alc.EncodingSymbol) error {
	if f.Complete() {
		return nil
	}

	f.contentMu.Lock()
	defer f.contentMu.Unlock()

	if int(symbol.SBN) >= len(f.blocks) {
		return errors.Errorf("source block number %d too high", symbol.SBN)
	}
	block := f.blocks[symbol.SBN]
	if block.Complete {
		return nil
	}
	if len(block.Symbols) == 0 {
		return errors.New("block has no symbols")
	}
	if int(symbol.ID) >= len(block.Symbols) {
		return errors.Errorf("encoding symbol id %d too high", symbol.ID)
	}

	f.ensureBlockBuffer(block)

	target := &block.Symbols[symbol.ID]
	if target.Complete {
		return nil
	}
	if target.Length == 0 {
		return nil
	}
	if target.Length != symbol.Len() {
		log.WithField("toi", f.meta.Toi).Infof("symbol length mismatch, target %d received %d", target.Length, symbol.Len())
	}

	symbol.DecodeTo(block.SymbolData(int(symbol.ID)))
	target.Complete = true
	target.HasContent = true

	f.checkSourceBlockCompletion(block)
	f.checkFileCompletion(true, true)

	if f.meta.StreamID > 0 {
		f.tryToExtractMessages(block, target)
	}
	return nil
}

// checkFileCompletion on a stream covers reception only; payload semantics
// are the application's business.
func (f *FileStream) checkFileCompletion(checkHash, extractData bool) {
	for _, block := range f.blocks {
		if !block.Complete {
			f.complete.Store(false)
			return
		}
	}
	f.complete.Store(true)
}

// AvailableSpace reports how many bytes PushToFile can still write.
func (f *FileStream) AvailableSpace() int {
	f.contentMu.Lock()
	defer f.contentMu.Unlock()

	if f.nextSourceBlockInput >= len(f.blocks) {
		return 0
	}
	space := 0
	for _, block := range f.blocks[f.nextSourceBlockInput:] {
		if block.Data == nil {
			space += block.Length
			continue
		}
		for i := range block.Symbols {
			if !block.Symbols[i].HasContent {
				space += block.Symbols[i].Length
			}
		}
	}
	return space - f.nextByteInput
}

// PushToFile appends content at the stream's write cursor and returns how
// many bytes were written; the count is short when the object is full. Any
// unused tail of the last touched symbol is zero-filled so stale buffer
// bytes never reach the wire.
func (f *FileStream) PushToFile(content []byte) (int, error) {
	if len(content) == 0 {
		return 0, nil
	}

	f.contentMu.Lock()
	defer f.contentMu.Unlock()

	if f.nextSourceBlockInput >= len(f.blocks) {
		return 0, nil
	}

	added := 0
	for bi := f.nextSourceBlockInput; bi < len(f.blocks); bi++ {
		block := f.blocks[bi]
		f.ensureBlockBuffer(block)

		for i := f.nextSymbolInput; i < len(block.Symbols); i++ {
			sym := &block.Symbols[i]
			data := block.SymbolData(i)

			n := len(content) - added
			if n > sym.Length-f.nextByteInput {
				n = sym.Length - f.nextByteInput
			}
			copy(data[f.nextByteInput:], content[added:added+n])
			added += n
			f.nextByteInput += n

			if f.nextByteInput == sym.Length {
				// The symbol is full and becomes sendable; the write
				// cursor moves past it.
				sym.HasContent = true
				f.nextByteInput = 0
				if i == len(block.Symbols)-1 {
					f.nextSourceBlockInput = bi + 1
					f.nextSymbolInput = 0
				} else {
					f.nextSymbolInput = i + 1
				}
			} else {
				// Partially filled: zero the unused tail so stale buffer
				// bytes never reach the wire, and keep the cursor inside
				// the symbol. It stays unsendable until full.
				f.nextSourceBlockInput = bi
				f.nextSymbolInput = i
				tail := data[f.nextByteInput:]
				for j := range tail {
					tail[j] = 0
				}
			}

			if added >= len(content) {
				return added, nil
			}
		}
	}
	return added, nil
}

func (f *FileStream) RegisterEmitMessageCallback(cb EmitMessageCallback) {
	f.emitMessageCb = cb
}

// SetNextFile links the stream object created after this one within the
// same stream id.
func (f *FileStream) SetNextFile(next *FileStream) {
	f.nextFile = next
}

// SetPreviousFile links the stream object created before this one within
// the same stream id.
func (f *FileStream) SetPreviousFile(previous *FileStream) {
	f.previousFile = previous
}

// tryToExtractMessages scans the contiguously received region around the
// symbol that just completed for framed messages and emits every complete
// one. The walk is bounded to this object and its linked previous sibling.
// Must be called with the content lock held.
func (f *FileStream) tryToExtractMessages(block *SourceBlock, sym *Symbol) {
	if f.emitMessageCb == nil {
		return
	}

	data := block.SymbolData(int(sym.ID))
	if !bytes.Contains(data, messageStartMarker) {
		return
	}

	// Collect the contiguous received run of this block up to the first
	// symbol that still has no content.
	var run []byte
	for i := range block.Symbols {
		if !block.Symbols[i].HasContent {
			break
		}
		run = append(run, block.SymbolData(i)...)
	}

	for {
		start := bytes.Index(run, messageStartMarker)
		if start < 0 {
			return
		}
		rest := run[start+len(messageStartMarker):]
		lineEnd := bytes.Index(rest, []byte("\r\n"))
		if lineEnd < 0 {
			return
		}
		length, err := strconv.Atoi(string(rest[:lineEnd]))
		if err != nil || length < 0 {
			run = rest
			continue
		}
		payload := rest[lineEnd+2:]
		if len(payload) < length {
			// The tail of the message has not arrived yet.
			return
		}
		f.emitMessageCb(f.meta.StreamID, string(payload[:length]))
		run = payload[length:]
	}
}
