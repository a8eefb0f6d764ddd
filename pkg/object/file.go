package object

import (
	"github.com/pkg/errors"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/fdt"
	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/oti"
	"github.com/idlab-discover/5GBDash/pkg/tools"
)

// Error kinds surfaced by object construction.
var (
	ErrAllocFailure     = errors.New("file buffer allocation failure")
	ErrDeadlineExceeded = errors.New("deadline for file has passed")
	ErrExpired          = errors.New("file has expired")
)

// maxObjectSize caps a single object buffer allocation.
const maxObjectSize = 8 << 30

// deadlineSlackMs gives object construction some slack before refusing an
// entry whose deadline passed.
const deadlineSlackMs = 20

// File is a fixed-size transfer object backed by one contiguous buffer.
type File struct {
	FileBase
	buffer    []byte
	ownBuffer bool
}

// NewFileFromEntry constructs a receive-side File for an FDT entry. The
// transformer is non-nil for FEC schemes other than compact no-code.
func NewFileFromEntry(entry fdt.FileEntry, transformer Transformer, mets *metrics.Metrics) (*File, error) {
	f := &File{ownBuffer: true}
	f.initBase(entry, "RECEIVE", mets, f)
	f.transformer = transformer

	if err := f.refuseStaleEntry(); err != nil {
		return nil, err
	}
	if err := f.allocate(); err != nil {
		return nil, err
	}
	f.calculatePartitioning()
	if err := f.createBlocks(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewFile constructs a transmit-side File over caller data. Unless copyData
// is set, the data buffer is referenced without copy and the caller must
// keep it alive until the completion callback fires. calculateHash stamps
// Content-MD5 into the entry for the receiver's verification.
func NewFile(toi uint32, fecOti oti.FecOti, contentLocation, contentType string,
	expires, deadline uint64, data []byte, copyData, calculateHash bool,
	transformer Transformer, mets *metrics.Metrics) (*File, error) {

	if data == nil {
		return nil, errors.New("file data is nil")
	}

	fecOti.TransferLength = uint64(len(data))
	entry := fdt.FileEntry{
		Toi:                toi,
		ContentLocation:    contentLocation,
		ContentType:        contentType,
		ContentLength:      uint64(len(data)),
		Expires:            expires,
		ShouldBeCompleteAt: deadline,
		FecOti:             fecOti,
	}

	f := &File{}
	f.initBase(entry, "TRANSMIT", mets, f)
	f.transformer = transformer

	if copyData {
		f.buffer = make([]byte, len(data))
		copy(f.buffer, data)
		f.ownBuffer = true
	} else if transformer != nil {
		// The codec may need a padded buffer; copy the payload in.
		buf, err := transformer.AllocateFileBuffer(len(data))
		if err != nil {
			return nil, errors.Wrap(ErrAllocFailure, err.Error())
		}
		copy(buf, data)
		f.buffer = buf
		f.ownBuffer = true
	} else {
		f.buffer = data
	}

	if calculateHash {
		f.meta.ContentMD5 = tools.Md5Base64(data)
	}

	f.calculatePartitioning()
	if err := f.createBlocks(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) refuseStaleEntry() error {
	now := tools.NowMs()
	if f.meta.ShouldBeCompleteAt > 0 && f.meta.ShouldBeCompleteAt+deadlineSlackMs < now {
		log.WithField("toi", f.meta.Toi).Info("deadline for file has passed, not creating it")
		return ErrDeadlineExceeded
	}
	if f.meta.Expires > 0 && f.meta.Expires*1000 < now {
		log.WithField("toi", f.meta.Toi).Info("file has expired, not creating it")
		return ErrExpired
	}
	return nil
}

func (f *File) allocate() error {
	length := f.meta.FecOti.TransferLength
	if length == 0 || length > maxObjectSize {
		return errors.Wrapf(ErrAllocFailure, "transfer length %d", length)
	}
	if f.transformer != nil {
		buf, err := f.transformer.AllocateFileBuffer(int(length))
		if err != nil {
			return errors.Wrap(ErrAllocFailure, err.Error())
		}
		f.buffer = buf
		return nil
	}
	f.buffer = make([]byte, length)
	return nil
}

func (f *File) calculatePartitioning() {
	if f.transformer != nil {
		f.part = f.transformer.Partitioning()
		return
	}
	f.part = calculatePartitioning(
		f.meta.FecOti.TransferLength,
		f.meta.FecOti.EncodingSymbolLength,
		f.meta.FecOti.MaxSourceBlockLength)
}

func (f *File) createBlocks() error {
	if f.transformer != nil {
		if f.buffer == nil {
			return errors.Wrap(ErrAllocFailure, "buffer is nil")
		}
		createBlocksSem <- struct{}{}
		blocks, _, err := f.transformer.CreateBlocks(f.buffer)
		<-createBlocksSem
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return errors.New("FEC transformer failed to create source blocks")
		}
		f.blocks = blocks
		return nil
	}

	remaining := int(f.meta.FecOti.TransferLength)
	symbolLength := int(f.meta.FecOti.EncodingSymbolLength)
	offset := 0
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
				ID:         uint16(symbolID),
				Offset:     blockOffset,
				Length:     n,
				HasContent: true,
			})
			blockOffset += n
			remaining -= n
		}
		block.Length = blockOffset
		block.Data = f.buffer[offset : offset+blockOffset]
		offset += blockOffset

		f.blocks = append(f.blocks, block)
		blockID++
	}
	return nil
}

// Buffer returns the object payload, transfer-length bytes long even when
// the codec allocated a padded buffer.
func (f *File) Buffer() []byte {
	if f.buffer == nil {
		return nil
	}
	length := f.meta.FecOti.TransferLength
	if uint64(len(f.buffer)) < length {
		return f.buffer
	}
	return f.buffer[:length]
}

// FreeBuffer releases an owned buffer. Further PutSymbol calls become
// silent no-ops.
func (f *File) FreeBuffer() {
	f.contentMu.Lock()
	if f.ownBuffer && f.buffer != nil {
		f.buffer = nil
		f.ownBuffer = false
		for _, block := range f.blocks {
			block.Data = nil
		}
	}
	f.contentMu.Unlock()
}

// PutSymbol writes one received encoding symbol into its slot and runs the
// block and file completion checks. Idempotent for symbols already marked
// complete; a no-op once the object is complete or its buffer was freed.
func (f *File) PutSymbol(symbol alc.EncodingSymbol) error {
	if f.Complete() {
		log.WithField("toi", f.meta.Toi).Debugf("ignoring symbol %d of block %d, file is complete", symbol.ID, symbol.SBN)
		return nil
	}

	f.contentMu.Lock()
	defer f.contentMu.Unlock()

	if f.buffer == nil {
		log.WithField("toi", f.meta.Toi).Error("buffer is nil")
		return nil
	}
	if int(symbol.SBN) >= len(f.blocks) {
		return errors.Errorf("source block number %d too high", symbol.SBN)
	}
	block := f.blocks[symbol.SBN]
	if block.Complete {
		log.WithField("toi", f.meta.Toi).Tracef("ignoring symbol %d, block %d is complete", symbol.ID, symbol.SBN)
		return nil
	}
	if int(symbol.ID) >= len(block.Symbols) {
		return errors.Errorf("encoding symbol id %d too high", symbol.ID)
	}

	target := &block.Symbols[symbol.ID]
	if target.Complete {
		return nil
	}
	if target.Length == 0 {
		log.WithField("toi", f.meta.Toi).Infof("symbol length is 0, SBN %d ESI %d", symbol.SBN, symbol.ID)
		return nil
	}
	if target.Length != symbol.Len() {
		log.WithField("toi", f.meta.Toi).Infof("symbol length mismatch, target %d received %d", target.Length, symbol.Len())
	}

	symbol.DecodeTo(block.SymbolData(int(symbol.ID)))
	target.Complete = true

	if f.transformer != nil {
		processSymbolSem <- struct{}{}
		err := f.transformer.ProcessSymbol(block, target, symbol.ID)
		<-processSymbolSem
		if err != nil {
			target.Complete = false
			data := block.SymbolData(int(symbol.ID))
			for i := range data {
				data[i] = 0
			}
			return errors.Wrap(err, "FEC transformer failed to process the symbol")
		}
	}

	f.checkSourceBlockCompletion(block)
	f.checkFileCompletion(true, true)
	return nil
}

// checkFileCompletion must be called with the content lock held.
func (f *File) checkFileCompletion(checkHash, extractData bool) {
	for _, block := range f.blocks {
		if !block.Complete {
			f.complete.Store(false)
			return
		}
	}
	f.complete.Store(true)

	if f.transformer != nil && extractData {
		if err := f.transformer.ExtractFile(f.blocks, f.buffer); err != nil {
			log.WithField("toi", f.meta.Toi).WithError(err).Error("failed to extract file from source blocks")
			f.complete.Store(false)
			return
		}
	}

	if !checkHash || f.meta.ContentMD5 == "" {
		return
	}
	if !tools.Md5Matches(f.meta.ContentMD5, f.Buffer()) {
		log.WithField("toi", f.meta.Toi).Error("MD5 mismatch, discarding")
		f.mets.GetOrCreateGauge("file_hash_mismatches").Increment()
		f.resetForRetry()
	}
}
