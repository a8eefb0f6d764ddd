// Package receiver implements the receiving side of a FLUTE session: ALC
// parsing, buffering of packets whose FDT entry has not arrived yet,
// per-object symbol assembly and deadline-driven recovery.
package receiver

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/fdt"
	"github.com/idlab-discover/5GBDash/pkg/fec"
	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/recovery"
	"github.com/idlab-discover/5GBDash/pkg/transport"
)

var log = logrus.WithField("process", "receiver")

// ringCapacity bounds both session-wide packet buffers.
const ringCapacity = 32768

// bootstrapExemption names the one object the expiry reaper never drops.
const bootstrapExemption = "bootstrap.multipart"

// CompletionCallback fires once per completed non-stream object.
type CompletionCallback func(file object.Object)

// RemovalCallback fires when the reaper drops an object.
type RemovalCallback func(file object.Object)

// Config carries the receiver construction parameters.
type Config struct {
	Tsi uint16

	// RetrievalURL points the fetcher at the recovery server; empty
	// disables unicast recovery.
	RetrievalURL string

	// MaxFileAge, when non-zero, starts the expiry reaper with this age
	// bound.
	MaxFileAge time.Duration
}

// Receiver drives one FLUTE receive session.
type Receiver struct {
	conn    transport.Conn
	tsi     uint16
	fetcher *recovery.Fetcher
	mets    *metrics.Metrics

	filesMu    sync.Mutex
	files      map[uint32]object.Object
	fdt        *fdt.FDT
	streamTois map[uint32][]uint32

	bufferMu         sync.Mutex
	alcBuffer        *ringBuffer
	unknownAlcBuffer *ringBuffer

	spawnMu sync.Mutex

	videoIDs atomic.Pointer[[]string]

	completionCb CompletionCallback
	removalCb    RemovalCallback
	emitMsgCb    object.EmitMessageCallback

	maxFileAge time.Duration
	running    atomic.Bool
	stop       chan struct{}
	wg         sync.WaitGroup
}

// New builds a receiver over an already opened conn.
func New(conn transport.Conn, cfg Config, mets *metrics.Metrics) (*Receiver, error) {
	fetcher, err := recovery.NewFetcher(cfg.RetrievalURL, mets)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		conn:             conn,
		tsi:              cfg.Tsi,
		fetcher:          fetcher,
		mets:             mets,
		files:            make(map[uint32]object.Object),
		streamTois:       make(map[uint32][]uint32),
		alcBuffer:        newRingBuffer(ringCapacity),
		unknownAlcBuffer: newRingBuffer(ringCapacity),
		maxFileAge:       cfg.MaxFileAge,
		stop:             make(chan struct{}),
	}

	fetcher.RegisterAlcCallback(func(alcData []byte) {
		if len(alcData) == 0 {
			return
		}
		data := make([]byte, len(alcData))
		copy(data, alcData)
		pkt, err := alc.Decode(data)
		if err != nil {
			log.WithError(err).Warn("failed to decode recovered ALC packet")
			return
		}
		pkt.MayBufferIfUnknown = false
		r.handleAlcStepThree(pkt)
	})

	fetcher.RegisterFdtCallback(func(fdtData []byte) {
		if len(fdtData) == 0 {
			return
		}
		r.filesMu.Lock()
		// Reuse the current instance id so future multicast FDTs still
		// dedupe correctly.
		instanceID := uint32(0)
		if r.fdt != nil {
			instanceID = r.fdt.InstanceID()
		}
		parsed, err := fdt.Parse(instanceID, fdtData)
		if err != nil {
			r.filesMu.Unlock()
			log.WithError(err).Warn("failed to parse fetched FDT")
			return
		}
		r.fdt = parsed
		r.handleFdtStepOneLocked()
		r.filesMu.Unlock()
		r.handleFdtStepTwo()
	})

	return r, nil
}

// Start launches the socket read loop, the dispatch loop, the deadline
// monitor and, when configured, the expiry reaper.
func (r *Receiver) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	r.wg.Add(1)
	go r.readLoop()

	r.wg.Add(1)
	go r.drainLoop()

	r.wg.Add(1)
	go r.deadlineLoop()

	if r.maxFileAge > 0 {
		r.wg.Add(1)
		go r.reaperLoop()
	}
}

// Stop shuts all workers down cooperatively.
func (r *Receiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stop)
	r.conn.Close()
	r.fetcher.Close()

	r.filesMu.Lock()
	for _, file := range r.files {
		file.StopReceiveWorker(false)
	}
	r.filesMu.Unlock()

	r.wg.Wait()
}

func (r *Receiver) RegisterCompletionCallback(cb CompletionCallback) { r.completionCb = cb }
func (r *Receiver) RegisterRemovalCallback(cb RemovalCallback)       { r.removalCb = cb }
func (r *Receiver) RegisterEmitMessageCallback(cb object.EmitMessageCallback) {
	r.emitMsgCb = cb
}

// SetVideoIDs installs the content-location allow-list: objects whose
// location contains "/<id>/" for none of the ids are spawned with
// reception suppressed.
func (r *Receiver) SetVideoIDs(ids []string) {
	r.videoIDs.Store(&ids)
}

// EnableIPSec is the hook for ESP protection of the inbound ALC flow. It
// installs no key; it only logs the request with its SPI.
func (r *Receiver) EnableIPSec(spi uint32, key string) {
	log.WithField("spi", spi).Info("ipsec requested for inbound ALC")
}

// readLoop pulls datagrams off the socket into step one.
func (r *Receiver) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			if r.running.Load() {
				log.WithError(err).Error("receive error")
			}
			return
		}
		if n == 0 {
			continue
		}
		r.mets.GetOrCreateGauge("multicast_bytes_received").Add(float64(n))
		data := make([]byte, n)
		copy(data, buf[:n])
		r.HandleAlcPacket(data, true)
	}
}

// drainLoop drives the dispatch queue.
func (r *Receiver) drainLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		if !r.HandleAlcBuffer() {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// deadlineLoop fires the recovery probe of every object that missed its
// deadline, once per object.
func (r *Receiver) deadlineLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-time.After(20 * time.Millisecond):
		}

		for _, file := range r.FileList() {
			if !file.Complete() && file.TimeAfterDeadline() > 0 {
				file.RetrieveMissingParts()
			}
		}
	}
}

func (r *Receiver) reaperLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-time.After(time.Second):
		}
		r.RemoveExpiredFiles(uint64(r.maxFileAge / time.Second))
	}
}

// HandleAlcPacket is step one: parse and gate on the session TSI, then
// enqueue.
func (r *Receiver) HandleAlcPacket(data []byte, bufferIfUnknown bool) {
	r.mets.GetOrCreateGauge("alcs_received").Increment()

	pkt, err := alc.Decode(data)
	if err != nil {
		r.mets.GetOrCreateGauge("alcs_malformed").Increment()
		log.WithError(err).Warn("failed to decode ALC/FLUTE packet")
		return
	}

	if pkt.Tsi != 0 && pkt.Tsi != uint64(r.tsi) {
		log.Warnf("discarding packet for unknown TSI %d", pkt.Tsi)
		return
	}

	r.handleAlcStepTwo(pkt, bufferIfUnknown && pkt.Toi != 0)
}

// handleAlcStepTwo enqueues a parsed packet onto the bounded dispatch
// buffer. A full buffer drops the arrival; recovery refills it later.
func (r *Receiver) handleAlcStepTwo(pkt *alc.Packet, bufferIfUnknown bool) {
	pkt.MayBufferIfUnknown = bufferIfUnknown

	r.bufferMu.Lock()
	ok := r.alcBuffer.PushBack(pkt)
	r.bufferMu.Unlock()

	if !ok {
		r.mets.GetOrCreateGauge("alcs_dropped").Increment()
		log.Warn("ALC buffer full, dropping packet")
	}
}

// HandleAlcBuffer is step three's driver: it pops one packet off the
// dispatch buffer and routes it. Returns true when work was done.
func (r *Receiver) HandleAlcBuffer() bool {
	r.bufferMu.Lock()
	pkt := r.alcBuffer.PopFront()
	r.bufferMu.Unlock()
	if pkt == nil {
		return false
	}
	r.handleAlcStepThree(pkt)
	return true
}

// handleAlcStepThree routes one packet: TOI 0 spins up (or dedupes) the
// FDT assembly object, unknown TOIs get parked or dropped, known TOIs go
// to their object's queue.
func (r *Receiver) handleAlcStepThree(pkt *alc.Packet) {
	r.filesMu.Lock()

	toi := uint32(pkt.Toi)

	if toi == 0 {
		_, assembling := r.files[0]
		fresh := r.fdt == nil || r.fdt.InstanceID() != pkt.FdtInstanceID
		if fresh && !assembling {
			entry := fdt.FileEntry{
				Toi:           0,
				ContentLength: pkt.FecOti.TransferLength,
				FecOti:        pkt.FecOti,
			}
			file, err := object.NewFileFromEntry(entry, nil, r.mets)
			if err != nil {
				r.filesMu.Unlock()
				log.WithError(err).Warn("failed to create FDT assembly object")
				return
			}
			file.SetFdtInstanceID(pkt.FdtInstanceID)
			r.files[0] = file
		} else if !assembling {
			log.Debugf("discarding packet: already handled FDT with instance id %d", pkt.FdtInstanceID)
			r.filesMu.Unlock()
			return
		}
	}

	file, known := r.files[toi]
	if !known {
		if pkt.MayBufferIfUnknown && toi != 0 {
			// The unknown buffer is circular: old unknowns are the least
			// likely to ever resolve, so the oldest is evicted.
			r.unknownAlcBuffer.PushBackEvict(pkt)
			r.mets.GetOrCreateGauge("alcs_buffer_size").Set(float64(r.unknownAlcBuffer.Len()))
			r.mets.GetOrCreateGauge("alcs_buffered").Increment()
			log.Tracef("buffered packet for unknown TOI %d", toi)
		} else {
			r.mets.GetOrCreateGauge("alcs_ignored").Increment()
			log.Tracef("discarding packet: unknown file with TOI %d", toi)
		}
		r.filesMu.Unlock()
		return
	}

	if toi == 0 {
		r.filesMu.Unlock()
		// The FDT is assembled synchronously: nothing else can progress
		// before it resolves, and it never uses FEC.
		r.handleAlcStepFour(file, pkt)
		return
	}

	file.PushAlcToReceiveBuffer(pkt)
	r.filesMu.Unlock()
}

// handleAlcStepFour assembles the symbols of one packet into the object
// and runs the completion path.
func (r *Receiver) handleAlcStepFour(file object.Object, pkt *alc.Packet) {
	toi := uint32(pkt.Toi)

	if file.Complete() {
		r.mets.GetOrCreateGauge("alcs_ignored").Increment()
		log.Tracef("discarding packet: already completed file with TOI %d", toi)
		r.popToiFromBufferFronts(toi)
		return
	}

	symbols, err := alc.SymbolsFromPayload(pkt.Payload(), file.FecOti())
	if err != nil || len(symbols) == 0 {
		log.Warn("failed to decode ALC/FLUTE packet: no encoding symbols found")
		return
	}
	r.mets.GetOrCreateGauge("symbols_received").Add(float64(len(symbols)))

	for _, symbol := range symbols {
		if err := file.PutSymbol(symbol); err != nil {
			log.WithError(err).Warn("failed to store encoding symbol")
		}
	}

	if !file.Complete() {
		return
	}
	log.Debugf("file with TOI %d completed", toi)

	if toi == 0 {
		r.finishFdtObject(file, pkt)
		return
	}

	if r.completionCb != nil && file.Meta().StreamID == 0 {
		r.completionCb(file)
	}

	// Clear the object: decoder table, deadline, worker and buffer go;
	// the entry stays until the reaper ages it out.
	file.DiscardTransformer()
	file.Meta().ShouldBeCompleteAt = 0
	file.StopReceiveWorker(false)
	file.FreeBuffer()

	r.popToiFromBufferFronts(toi)
}

// finishFdtObject parses the assembled TOI 0 object as the new FDT and
// spawns the objects it announces.
func (r *Receiver) finishFdtObject(file object.Object, pkt *alc.Packet) {
	r.filesMu.Lock()
	r.mets.GetOrCreateGauge("fdt_received").Increment()

	parsed, err := fdt.Parse(pkt.FdtInstanceID, file.Buffer())
	delete(r.files, 0)
	if err != nil {
		r.fdt = nil
		r.filesMu.Unlock()
		log.WithError(err).Warn("failed to parse FDT")
		return
	}
	r.fdt = parsed

	r.handleFdtStepOneLocked()
	r.filesMu.Unlock()
	r.handleFdtStepTwo()
}

// handleFdtStepOneLocked spawns an object for every FDT entry that has
// none yet. Must be called with the files lock held.
func (r *Receiver) handleFdtStepOneLocked() {
	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()

	for _, entry := range r.fdt.FileEntries() {
		if _, ok := r.files[entry.Toi]; ok {
			continue
		}
		if err := r.spawnFileLocked(entry); err != nil {
			log.WithError(err).Warnf("failed to spawn file for TOI %d", entry.Toi)
		}
	}
}

func (r *Receiver) spawnFileLocked(entry fdt.FileEntry) error {
	log.Debugf("starting reception for TOI %d: %s (%s), size %d, FEC %s",
		entry.Toi, entry.ContentLocation, entry.ContentType, entry.ContentLength, entry.FecOti.EncodingID)

	isStream := entry.StreamID > 0

	var file object.Object
	if isStream {
		stream, err := object.NewFileStreamFromEntry(entry, r.mets)
		if err != nil {
			return err
		}
		stream.RegisterEmitMessageCallback(func(streamID uint32, message string) {
			if cb := r.emitMsgCb; cb != nil {
				cb(streamID, message)
			}
		})
		file = stream
		r.linkStreamSiblingLocked(stream, entry)
	} else {
		transformer, err := fec.ForEntry(entry, r.fdt.GlobalFecOti())
		if err != nil {
			return err
		}
		f, err := object.NewFileFromEntry(entry, transformer, r.mets)
		if err != nil {
			return err
		}
		file = f
	}

	file.RegisterMissingCallback(r.missingSymbolsCallback)
	file.RegisterReceiverCallback(func(pkt *alc.Packet) {
		r.filesMu.Lock()
		obj := r.files[uint32(pkt.Toi)]
		r.filesMu.Unlock()
		if obj != nil {
			r.handleAlcStepFour(obj, pkt)
		}
	})

	if r.mayReceive(entry.ContentLocation) {
		file.StartReceiveWorker()
	} else {
		file.IgnoreReception()
	}

	r.files[entry.Toi] = file
	return nil
}

// linkStreamSiblingLocked records the TOI in the stream registry and wires
// the previous sibling (the largest announced TOI below this one).
func (r *Receiver) linkStreamSiblingLocked(stream *object.FileStream, entry fdt.FileEntry) {
	r.streamTois[entry.StreamID] = append(r.streamTois[entry.StreamID], entry.Toi)

	previous := uint32(0)
	for _, toi := range r.streamTois[entry.StreamID] {
		if toi < entry.Toi && toi > previous {
			previous = toi
		}
	}
	if previous == 0 {
		return
	}
	if prevObj, ok := r.files[previous]; ok {
		if prevStream, ok := prevObj.(*object.FileStream); ok {
			prevStream.SetNextFile(stream)
			stream.SetPreviousFile(prevStream)
		}
	}
}

// mayReceive applies the video-id allow-list.
func (r *Receiver) mayReceive(contentLocation string) bool {
	idsPtr := r.videoIDs.Load()
	if idsPtr == nil || len(*idsPtr) == 0 {
		return true
	}
	for _, id := range *idsPtr {
		if strings.Contains(contentLocation, "/"+id+"/") {
			return true
		}
	}
	return false
}

// missingSymbolsCallback subtracts symbols already waiting in the session
// and object buffers from the missing set, then asks the fetcher for the
// rest.
func (r *Receiver) missingSymbolsCallback(obj object.Object, missing map[uint16][]uint16) {
	if len(missing) == 0 {
		return
	}
	meta := obj.Meta()

	found := 0
	r.bufferMu.Lock()
	for _, pkt := range r.alcBuffer.Snapshot() {
		if uint32(pkt.Toi) != meta.Toi {
			continue
		}
		symbols, err := alc.SymbolsFromPayload(pkt.Payload(), meta.FecOti)
		if err != nil {
			continue
		}
		found += subtractSymbols(missing, symbols)
	}
	r.bufferMu.Unlock()
	if found > 0 {
		log.Debugf("found %d missing symbols in the shared buffer", found)
	}

	if len(missing) == 0 {
		return
	}

	found = subtractSymbols(missing, obj.GetBufferedSymbols())
	if found > 0 {
		log.Debugf("found %d missing symbols in the object buffer", found)
	}
	if len(missing) == 0 {
		return
	}

	r.fetcher.FetchAlcs(meta.Toi, meta.FecOti.EncodingID, meta.ContentLocation, missing)
}

// subtractSymbols removes every listed symbol from the missing map and
// returns the removal count.
func subtractSymbols(missing map[uint16][]uint16, symbols []alc.EncodingSymbol) int {
	removed := 0
	for _, s := range symbols {
		ids, ok := missing[s.SBN]
		if !ok {
			continue
		}
		for i, id := range ids {
			if id == s.ID {
				missing[s.SBN] = append(ids[:i], ids[i+1:]...)
				removed++
				break
			}
		}
		if len(missing[s.SBN]) == 0 {
			delete(missing, s.SBN)
		}
	}
	return removed
}

// handleFdtStepTwo re-submits every parked packet whose TOI resolved with
// the new FDT. Still-unknown packets are dropped for good.
func (r *Receiver) handleFdtStepTwo() {
	r.filesMu.Lock()
	var parked []*alc.Packet
	for {
		pkt := r.unknownAlcBuffer.PopFront()
		if pkt == nil {
			break
		}
		if pkt.Toi != 0 {
			parked = append(parked, pkt)
		}
	}
	r.mets.GetOrCreateGauge("alcs_buffer_size").Set(float64(r.unknownAlcBuffer.Len()))
	r.filesMu.Unlock()

	if len(parked) > 0 {
		log.Trace("re-handling ALCs that were previously unknown")
	}
	for _, pkt := range parked {
		r.handleAlcStepTwo(pkt, false)
	}
	log.Debug("FDT handling finished")
}

// popToiFromBufferFronts removes queued packets for a completed TOI from
// the front of both session buffers.
func (r *Receiver) popToiFromBufferFronts(toi uint32) {
	removed := 0

	r.bufferMu.Lock()
	for {
		front := r.alcBuffer.Front()
		if front == nil || uint32(front.Toi) != toi {
			break
		}
		r.alcBuffer.PopFront()
		removed++
	}
	r.bufferMu.Unlock()

	r.filesMu.Lock()
	for {
		front := r.unknownAlcBuffer.Front()
		if front == nil || uint32(front.Toi) != toi {
			break
		}
		r.unknownAlcBuffer.PopFront()
		removed++
	}
	r.filesMu.Unlock()

	if removed > 0 {
		log.Debugf("removed %d buffered ALCs for TOI %d", removed, toi)
	}
}

// ResolveFdtForBufferedAlcs asks the fetcher to re-pull the FDT when
// packets are parked waiting for one.
func (r *Receiver) ResolveFdtForBufferedAlcs() {
	r.filesMu.Lock()
	empty := r.unknownAlcBuffer.Len() == 0
	r.filesMu.Unlock()
	if empty {
		return
	}
	r.fetcher.FetchFdt()
}

// FileList snapshots the current objects.
func (r *Receiver) FileList() []object.Object {
	r.filesMu.Lock()
	defer r.filesMu.Unlock()
	files := make([]object.Object, 0, len(r.files))
	for _, f := range r.files {
		files = append(files, f)
	}
	return files
}

// RemoveExpiredFiles drops objects older than maxAge seconds, except the
// bootstrap object.
func (r *Receiver) RemoveExpiredFiles(maxAgeSeconds uint64) {
	r.filesMu.Lock()
	var removed []object.Object
	for toi, file := range r.files {
		age := time.Since(file.ReceivedAt())
		if file.Meta().ContentLocation == bootstrapExemption {
			continue
		}
		if uint64(age/time.Second) <= maxAgeSeconds {
			continue
		}
		file.DiscardTransformer()
		removed = append(removed, file)
		delete(r.files, toi)
		r.dropStreamToiLocked(file.Meta().StreamID, toi)
	}
	r.filesMu.Unlock()

	for _, file := range removed {
		file.StopReceiveWorker(true)
		if r.removalCb != nil {
			r.removalCb(file)
		}
	}
}

// RemoveFileWithContentLocation drops every object registered under a
// content location.
func (r *Receiver) RemoveFileWithContentLocation(contentLocation string) {
	r.filesMu.Lock()
	var removed []object.Object
	for toi, file := range r.files {
		if file.Meta().ContentLocation != contentLocation {
			continue
		}
		file.DiscardTransformer()
		removed = append(removed, file)
		delete(r.files, toi)
		r.dropStreamToiLocked(file.Meta().StreamID, toi)
	}
	r.filesMu.Unlock()

	for _, file := range removed {
		file.StopReceiveWorker(true)
		if r.removalCb != nil {
			r.removalCb(file)
		}
	}
}

func (r *Receiver) dropStreamToiLocked(streamID, toi uint32) {
	if streamID == 0 {
		return
	}
	tois := r.streamTois[streamID]
	for i, t := range tois {
		if t == toi {
			r.streamTois[streamID] = append(tois[:i], tois[i+1:]...)
			return
		}
	}
}
