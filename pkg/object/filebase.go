package object

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/fdt"
	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/oti"
	"github.com/idlab-discover/5GBDash/pkg/tools"
)

var log = logrus.WithField("process", "object")

// receiveQueueCapacity bounds the per-object receive queue. Arrivals
// beyond the cap are dropped; recovery refills them later.
const receiveQueueCapacity = 4096

// MissingCallback receives the (SBN -> ESIs) map of an object that missed
// its deadline.
type MissingCallback func(obj Object, missing map[uint16][]uint16)

// ReceiverCallback consumes one queued packet on the object's worker.
type ReceiverCallback func(pkt *alc.Packet)

// Object is the common contract of File and FileStream.
type Object interface {
	Meta() *fdt.FileEntry
	FecOti() oti.FecOti
	Complete() bool
	MarkComplete()
	Length() uint64
	Buffer() []byte
	FreeBuffer()
	PutSymbol(sym alc.EncodingSymbol) error
	GetNextSymbols(maxSize int) []alc.EncodingSymbol
	MarkCompleted(symbols []alc.EncodingSymbol, success bool)
	RetrieveMissingParts()
	GetBufferedSymbols() []alc.EncodingSymbol
	PushAlcToReceiveBuffer(pkt *alc.Packet)
	StartReceiveWorker()
	StopReceiveWorker(join bool)
	IgnoreReception()
	ReceivedAt() time.Time
	SetFdtInstanceID(id uint32)
	FdtInstanceID() uint32
	RegisterMissingCallback(cb MissingCallback)
	RegisterReceiverCallback(cb ReceiverCallback)
	SourceBlocks() []*SourceBlock
	LockContent() func()
	TimeAfterDeadline() uint64
	TimeBeforeDeadline() uint64
	DiscardTransformer()
}

// completionChecker is the piece of the contract that differs between File
// and FileStream; FileBase dispatches through it.
type completionChecker interface {
	checkFileCompletion(checkHash, extractData bool)
}

// FileBase carries the state and behaviour shared by File and FileStream.
type FileBase struct {
	meta              fdt.FileEntry
	purpose           string
	receivedAt        time.Time
	retrievalDeadline uint64
	fdtInstanceID     uint32

	part        Partitioning
	blocks      []*SourceBlock
	transformer Transformer

	complete   atomic.Bool
	ignoreRecv atomic.Bool

	contentMu sync.Mutex

	queueMu    sync.Mutex
	recvQueue  []*alc.Packet
	notify     chan struct{}
	stopWorker chan struct{}
	started    bool
	stopped    bool
	workerDone sync.WaitGroup

	missingCb  MissingCallback
	receiverCb ReceiverCallback

	mets *metrics.Metrics
	impl completionChecker
}

func (f *FileBase) initBase(meta fdt.FileEntry, purpose string, mets *metrics.Metrics, impl completionChecker) {
	f.meta = meta
	f.purpose = purpose
	f.receivedAt = time.Now()
	f.retrievalDeadline = meta.ShouldBeCompleteAt
	f.notify = make(chan struct{}, 1)
	f.stopWorker = make(chan struct{})
	f.mets = mets
	f.impl = impl
}

func (f *FileBase) Meta() *fdt.FileEntry  { return &f.meta }
func (f *FileBase) FecOti() oti.FecOti    { return f.meta.FecOti }
func (f *FileBase) Complete() bool        { return f.complete.Load() }
func (f *FileBase) MarkComplete()         { f.complete.Store(true) }
func (f *FileBase) Length() uint64        { return f.meta.FecOti.TransferLength }
func (f *FileBase) ReceivedAt() time.Time { return f.receivedAt }

func (f *FileBase) SetFdtInstanceID(id uint32) { f.fdtInstanceID = id }
func (f *FileBase) FdtInstanceID() uint32      { return f.fdtInstanceID }

func (f *FileBase) RegisterMissingCallback(cb MissingCallback)   { f.missingCb = cb }
func (f *FileBase) RegisterReceiverCallback(cb ReceiverCallback) { f.receiverCb = cb }

func (f *FileBase) SourceBlocks() []*SourceBlock { return f.blocks }

// LockContent takes the content mutex and returns the unlock function, for
// callers (the retriever) that read symbol data across several calls.
func (f *FileBase) LockContent() func() {
	f.contentMu.Lock()
	return f.contentMu.Unlock
}

func (f *FileBase) IgnoreReception() { f.ignoreRecv.Store(true) }

// TimeAfterDeadline returns how many ms the retrieval deadline has been
// missed by, zero when no deadline is set or it has not passed.
func (f *FileBase) TimeAfterDeadline() uint64 {
	if f.retrievalDeadline == 0 || f.retrievalDeadline == ^uint64(0) {
		return 0
	}
	now := tools.NowMs()
	if now > f.retrievalDeadline {
		return now - f.retrievalDeadline
	}
	return 0
}

// TimeBeforeDeadline returns the ms remaining until the deadline, zero when
// none is set or it already passed.
func (f *FileBase) TimeBeforeDeadline() uint64 {
	if f.retrievalDeadline == 0 || f.retrievalDeadline == ^uint64(0) {
		return 0
	}
	now := tools.NowMs()
	if now < f.retrievalDeadline {
		return f.retrievalDeadline - now
	}
	return 0
}

// DiscardTransformer drops the FEC codec and its decoder table.
func (f *FileBase) DiscardTransformer() {
	f.contentMu.Lock()
	f.transformer = nil
	f.contentMu.Unlock()
}

// PushAlcToReceiveBuffer enqueues a packet for the object worker. The call
// never blocks; arrivals are dropped when reception is ignored, the worker
// is not running, or the queue is full.
func (f *FileBase) PushAlcToReceiveBuffer(pkt *alc.Packet) {
	if f.ignoreRecv.Load() {
		return
	}
	f.queueMu.Lock()
	if !f.started || f.stopped || len(f.recvQueue) >= receiveQueueCapacity {
		f.queueMu.Unlock()
		return
	}
	f.recvQueue = append(f.recvQueue, pkt)
	f.queueMu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// StartReceiveWorker starts the object's worker goroutine, which drains the
// receive queue into the receiver callback.
func (f *FileBase) StartReceiveWorker() {
	f.queueMu.Lock()
	if f.started || f.stopped {
		f.queueMu.Unlock()
		return
	}
	f.started = true
	f.queueMu.Unlock()

	f.workerDone.Add(1)
	go func() {
		defer f.workerDone.Done()
		for {
			select {
			case <-f.stopWorker:
				log.WithField("toi", f.meta.Toi).Debug("stopped receive worker")
				return
			case <-f.notify:
			}
			for {
				pkt := f.popQueued()
				if pkt == nil {
					break
				}
				if cb := f.receiverCb; cb != nil {
					cb(pkt)
				}
			}
		}
	}()
}

func (f *FileBase) popQueued() *alc.Packet {
	f.queueMu.Lock()
	defer f.queueMu.Unlock()
	if len(f.recvQueue) == 0 {
		return nil
	}
	pkt := f.recvQueue[0]
	f.recvQueue = f.recvQueue[1:]
	return pkt
}

// StopReceiveWorker asks the worker to exit. With join set, it waits for
// the goroutine to finish; an object must not join from its own worker.
func (f *FileBase) StopReceiveWorker(join bool) {
	f.queueMu.Lock()
	if !f.stopped {
		f.stopped = true
		close(f.stopWorker)
	}
	started := f.started
	f.queueMu.Unlock()
	if join && started {
		f.workerDone.Wait()
	}
}

// GetBufferedSymbols extracts the encoding symbols of every packet still
// sitting in the receive queue, without consuming the queue. Recovery uses
// this to subtract already-buffered symbols from a missing set.
func (f *FileBase) GetBufferedSymbols() []alc.EncodingSymbol {
	f.queueMu.Lock()
	defer f.queueMu.Unlock()

	var symbols []alc.EncodingSymbol
	for _, pkt := range f.recvQueue {
		ss, err := alc.SymbolsFromPayload(pkt.Payload(), f.meta.FecOti)
		if err != nil {
			continue
		}
		symbols = append(symbols, ss...)
	}
	return symbols
}

// GetNextSymbols selects as many not-complete, not-queued symbols with
// content as fit into maxSize bytes, in block order, and marks them queued.
// Selection stops at the first symbol without content: a stream fills its
// blocks in order, so nothing behind that symbol is sendable yet.
func (f *FileBase) GetNextSymbols(maxSize int) []alc.EncodingSymbol {
	f.contentMu.Lock()
	defer f.contentMu.Unlock()

	symbolLength := int(f.meta.FecOti.EncodingSymbolLength)
	if symbolLength == 0 {
		return nil
	}
	nofSymbols := maxSize / symbolLength
	scheme := f.meta.FecOti.EncodingID

	// One ALC packet carries a single FEC payload ID, so the result is one
	// contiguous run of symbol ids within one source block.
	var out []alc.EncodingSymbol
	cnt := 0
	for _, block := range f.blocks {
		if cnt >= nofSymbols {
			break
		}
		if block.Complete {
			continue
		}
		if block.Data == nil || len(block.Symbols) == 0 {
			log.WithField("toi", f.meta.Toi).Tracef("skipping block %d, no data yet", block.ID)
			continue
		}
		for i := range block.Symbols {
			if cnt >= nofSymbols {
				break
			}
			sym := &block.Symbols[i]
			if sym.Complete || sym.Queued {
				if len(out) > 0 {
					return out
				}
				continue
			}
			if !sym.HasContent {
				// Stream backpressure boundary.
				cnt = nofSymbols
				break
			}
			out = append(out, encodingSymbolFor(block, i, scheme))
			sym.Queued = true
			cnt++
		}
		if len(out) > 0 {
			return out
		}
	}
	return out
}

// MarkCompleted flips the queued flag of the given symbols and records the
// send outcome, then re-checks block and object completion.
func (f *FileBase) MarkCompleted(symbols []alc.EncodingSymbol, success bool) {
	f.contentMu.Lock()
	defer f.contentMu.Unlock()

	touched := make(map[uint16]bool)
	for _, s := range symbols {
		if int(s.SBN) >= len(f.blocks) {
			continue
		}
		block := f.blocks[s.SBN]
		if int(s.ID) >= len(block.Symbols) {
			continue
		}
		sym := &block.Symbols[s.ID]
		sym.Queued = false
		sym.Complete = success
		touched[s.SBN] = true
	}
	for sbn := range touched {
		f.checkSourceBlockCompletion(f.blocks[sbn])
	}
	if len(touched) > 0 && f.impl != nil {
		f.impl.checkFileCompletion(true, true)
	}
}

// checkSourceBlockCompletion must be called with the content lock held.
func (f *FileBase) checkSourceBlockCompletion(block *SourceBlock) {
	if f.transformer != nil {
		block.Complete = f.transformer.CheckSourceBlockCompletion(block)
		return
	}
	for i := range block.Symbols {
		if !block.Symbols[i].Complete {
			block.Complete = false
			return
		}
	}
	block.Complete = true
}

// RetrieveMissingParts fires the missing-symbol callback once the deadline
// passed, then disables the deadline so it cannot fire again.
func (f *FileBase) RetrieveMissingParts() {
	if f.ignoreRecv.Load() {
		f.meta.ShouldBeCompleteAt = 0
		f.retrievalDeadline = 0
		return
	}
	f.emitMissingSymbols()
	f.meta.ShouldBeCompleteAt = 0
	f.retrievalDeadline = 0
}

func (f *FileBase) emitMissingSymbols() {
	cb := f.missingCb
	if cb == nil {
		log.WithField("toi", f.meta.Toi).Debug("some symbols are missing")
		return
	}

	f.mets.GetOrCreateGauge("emit_missing_symbols").Increment()

	missing := make(map[uint16][]uint16)
	var totalCount, missingCount uint64

	f.contentMu.Lock()
	for _, block := range f.blocks {
		totalCount += uint64(len(block.Symbols))
		if block.Complete {
			continue
		}
		var ids []uint16
		for i := range block.Symbols {
			if !block.Symbols[i].Complete {
				ids = append(ids, block.Symbols[i].ID)
				missingCount++
			}
		}
		if len(ids) > 0 {
			missing[block.ID] = ids
		}
	}
	f.contentMu.Unlock()

	f.mets.GetOrCreateGauge("missing_symbols_gauge").Add(float64(missingCount))
	if totalCount > 0 {
		f.mets.GetOrCreateGauge("alc_percentage_to_retrieve").Set(float64(missingCount) / float64(totalCount) * 100.0)
	}

	cb(f.impl.(Object), missing)
}

// resetForRetry marks every symbol and block incomplete and discards all
// FEC decoder contexts, so a retransmission can fill the object again.
// Must be called with the content lock held.
func (f *FileBase) resetForRetry() {
	for _, block := range f.blocks {
		for i := range block.Symbols {
			block.Symbols[i].Complete = false
		}
		block.Complete = false
		if f.transformer != nil {
			f.transformer.DiscardDecoder(block.ID)
		}
	}
	f.complete.Store(false)
}
