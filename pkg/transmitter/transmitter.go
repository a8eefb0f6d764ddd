// Package transmitter implements the sending side of a FLUTE session: it
// owns the socket, the FDT and the object map, schedules encoding symbols
// under a rate limit, re-sends the FDT periodically and after each object
// completes, and enforces per-object deadlines.
package transmitter

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/fdt"
	"github.com/idlab-discover/5GBDash/pkg/fec"
	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/oti"
	"github.com/idlab-discover/5GBDash/pkg/tools"
	"github.com/idlab-discover/5GBDash/pkg/transport"
)

var log = logrus.WithField("process", "transmitter")

// CompletionCallback is invoked exactly once per non-zero TOI when the
// object finishes its send, on a detached goroutine.
type CompletionCallback func(toi uint32)

// DefaultFdtRepeatInterval is the FDT carousel period.
const DefaultFdtRepeatInterval = 2 * time.Second

// DefaultLastFdtPath is the side-channel file the current FDT is mirrored
// to for the retriever's /fdt endpoint.
const DefaultLastFdtPath = "last.fdt"

// Config carries the transmitter construction parameters.
type Config struct {
	Endpoint          transport.UDPEndpoint
	Tsi               uint16
	Mtu               uint
	RateLimitKbps     uint32
	Scheme            oti.FecScheme
	InitialToi        uint16
	InstanceID        uint32
	FdtRepeatInterval time.Duration
	LastFdtPath       string
}

// Transmitter drives one FLUTE send session.
type Transmitter struct {
	conn     transport.Conn
	endpoint transport.UDPEndpoint
	tsi      uint16
	mtu      uint

	maxPayload uint32
	fecOti     oti.FecOti

	filesMu sync.Mutex
	files   map[uint32]object.Object
	fdt     *fdt.FDT
	nextToi uint32

	limiter       *rate.Limiter
	rateLimitKbps atomic.Uint32

	fdtRepeatInterval time.Duration
	lastFdtSentMs     atomic.Uint64
	lastFdtPath       string

	stopWhenDone  atomic.Bool
	removeAfter   atomic.Bool
	completionCb  CompletionCallback
	mets          *metrics.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a transmitter over an already opened conn (a UDP socket, or a
// test pipe).
func New(conn transport.Conn, cfg Config, mets *metrics.Metrics) (*Transmitter, error) {
	if conn == nil {
		return nil, errors.New("nil connection")
	}
	if cfg.Mtu == 0 {
		cfg.Mtu = transport.DefaultMTU
	}
	if cfg.FdtRepeatInterval == 0 {
		cfg.FdtRepeatInterval = DefaultFdtRepeatInterval
	}
	if cfg.LastFdtPath == "" {
		cfg.LastFdtPath = DefaultLastFdtPath
	}
	if !cfg.Scheme.Supported() {
		return nil, errors.Errorf("FEC scheme %s is not supported", cfg.Scheme)
	}

	t := &Transmitter{
		conn:              conn,
		endpoint:          cfg.Endpoint,
		tsi:               cfg.Tsi,
		mtu:               cfg.Mtu,
		maxPayload:        oti.MaxPayload(cfg.Mtu, cfg.Endpoint.IsIPv6(), cfg.Scheme),
		fecOti:            oti.SessionOti(cfg.Mtu, cfg.Endpoint.IsIPv6(), cfg.Scheme),
		files:             make(map[uint32]object.Object),
		fdt:               fdt.New(cfg.InstanceID, oti.SessionOti(cfg.Mtu, cfg.Endpoint.IsIPv6(), cfg.Scheme)),
		fdtRepeatInterval: cfg.FdtRepeatInterval,
		lastFdtPath:       cfg.LastFdtPath,
		mets:              mets,
		done:              make(chan struct{}),
	}
	t.nextToi = uint32(cfg.InitialToi)
	if t.nextToi == 0 {
		t.nextToi = 1
	}
	t.rateLimitKbps.Store(cfg.RateLimitKbps)
	t.limiter = rate.NewLimiter(rate.Inf, int(cfg.Mtu))
	t.applyRateLimit(cfg.RateLimitKbps)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Start launches the packet pump and the FDT carousel.
func (t *Transmitter) Start() {
	t.wg.Add(2)
	go t.packetPump()
	go t.fdtTicker()
}

// Stop shuts the transmitter down cooperatively.
func (t *Transmitter) Stop() {
	t.cancel()
	t.wg.Wait()
	t.doneOnce.Do(func() { close(t.done) })
}

// Done is closed when the pump stops, either via Stop or because
// stop-when-done saw the last object out.
func (t *Transmitter) Done() <-chan struct{} {
	return t.done
}

func (t *Transmitter) Tsi() uint16            { return t.tsi }
func (t *Transmitter) MaxPayload() uint32     { return t.maxPayload }
func (t *Transmitter) SessionOti() oti.FecOti { return t.fecOti }

func (t *Transmitter) RegisterCompletionCallback(cb CompletionCallback) {
	t.completionCb = cb
}

// SetRateLimit changes the send rate in kbps; zero disables limiting.
func (t *Transmitter) SetRateLimit(kbps uint32) {
	t.rateLimitKbps.Store(kbps)
	t.applyRateLimit(kbps)
}

func (t *Transmitter) applyRateLimit(kbps uint32) {
	if kbps == 0 {
		t.limiter.SetLimit(rate.Inf)
		return
	}
	bytesPerSecond := float64(kbps) * 1000 / 8
	t.limiter.SetLimit(rate.Limit(bytesPerSecond))
}

func (t *Transmitter) SetStopWhenDone(v bool)            { t.stopWhenDone.Store(v) }
func (t *Transmitter) SetRemoveAfterTransmission(v bool) { t.removeAfter.Store(v) }

// EnableIPSec is the hook for ESP protection of the outbound ALC flow. It
// installs no key; it only logs the request with its SPI.
func (t *Transmitter) EnableIPSec(spi uint32, key string) {
	log.WithField("spi", spi).Info("ipsec requested for outbound ALC")
}

// allocateToi hands out the next TOI; the counter wraps to 1, never 0.
func (t *Transmitter) allocateToi() uint32 {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	toi := t.nextToi
	t.nextToi++
	if t.nextToi > 0xFFFF {
		t.nextToi = 1
	}
	return toi
}

// Send queues a fixed-size object for delivery and returns its TOI. The
// data buffer is referenced without copy; the caller keeps it alive until
// the completion callback fires. expires is in unix seconds, deadline in
// ms since epoch (zero disables it).
func (t *Transmitter) Send(contentLocation, contentType string, expires, deadline uint64, data []byte) (uint32, error) {
	toi := t.allocateToi()

	transformer, fileOti, raptorAttrs, err := fec.ForScheme(t.fecOti, uint64(len(data)))
	if err != nil && t.fecOti.EncodingID == oti.Raptor {
		// Objects the Raptor derivation rejects fall back to plain
		// no-code delivery, the way small files always have.
		log.WithError(err).Warnf("falling back to CompactNoCode for %s", contentLocation)
		fileOti = t.fecOti
		fileOti.EncodingID = oti.CompactNoCode
		fileOti.MaxSourceBlockLength = oti.DefaultMaxSourceBlockLength
		transformer, raptorAttrs = nil, nil
	} else if err != nil {
		return 0, err
	}

	file, err := object.NewFile(toi, fileOti, contentLocation, contentType,
		expires, deadline, data, false, true, transformer, t.mets)
	if err != nil {
		return 0, errors.Wrapf(err, "create file object for %s", contentLocation)
	}
	file.Meta().Raptor = raptorAttrs

	t.filesMu.Lock()
	t.fdt.Add(*file.Meta())
	shouldSendFdt := t.noIncompleteObjects()
	if shouldSendFdt {
		t.sendFdtLocked()
	} else {
		log.Debugf("not sending FDT, %d files already in transmission", len(t.files))
	}
	t.files[toi] = file
	t.filesMu.Unlock()

	return toi, nil
}

// CreateEmptyFileForStream queues an append-only stream object that is
// filled through PushToStream. streamID must be at least 1.
func (t *Transmitter) CreateEmptyFileForStream(streamID uint32, contentType string,
	expires, deadline uint64, maxSourceBlockLength, fileLength uint32) (uint32, error) {

	if streamID == 0 {
		return 0, errors.New("stream id zero is reserved")
	}
	if fileLength == 0 {
		return 0, errors.New("file length must be at least one byte")
	}
	if maxSourceBlockLength == 0 {
		return 0, errors.New("max source block length must be at least one symbol")
	}

	toi := t.allocateToi()

	streamOti := t.fecOti
	streamOti.EncodingID = oti.CompactNoCode
	streamOti.MaxSourceBlockLength = maxSourceBlockLength
	streamOti.TransferLength = uint64(fileLength)

	file, err := object.NewFileStream(toi, streamOti, "", contentType, expires, deadline, nil, t.mets)
	if err != nil {
		return 0, errors.Wrapf(err, "create stream object for stream %d", streamID)
	}
	file.Meta().StreamID = streamID

	t.filesMu.Lock()
	t.fdt.Add(*file.Meta())
	// A new stream always announces itself right away.
	t.sendFdtLocked()
	t.files[toi] = file
	t.filesMu.Unlock()

	return toi, nil
}

// PushToStream appends bytes to a stream object created with
// CreateEmptyFileForStream and returns the count actually written.
func (t *Transmitter) PushToStream(toi uint32, content []byte) (int, error) {
	t.filesMu.Lock()
	obj, ok := t.files[toi]
	t.filesMu.Unlock()
	if !ok {
		return 0, errors.Errorf("no object with TOI %d", toi)
	}
	stream, ok := obj.(*object.FileStream)
	if !ok {
		return 0, errors.Errorf("TOI %d is not a stream object", toi)
	}
	return stream.PushToFile(content)
}

// GetFile returns the object registered for a TOI, or nil.
func (t *Transmitter) GetFile(toi uint32) object.Object {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	return t.files[toi]
}

// noIncompleteObjects must be called with the files lock held.
func (t *Transmitter) noIncompleteObjects() bool {
	for toi, file := range t.files {
		if toi != 0 && !file.Complete() {
			return false
		}
	}
	return true
}

// ClearFiles drops every non-FDT object and its FDT entry.
func (t *Transmitter) ClearFiles() {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	for toi := range t.files {
		if toi != 0 {
			t.fdt.Remove(toi)
			delete(t.files, toi)
		}
	}
}

// RemoveExpiredFiles drops complete objects whose expiry passed and
// returns their TOIs. An external ticker drives this.
func (t *Transmitter) RemoveExpiredFiles() []uint32 {
	now := uint64(time.Now().Unix())
	var expired []uint32

	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	for toi, file := range t.files {
		if !file.Complete() {
			continue
		}
		if meta := file.Meta(); meta.Expires > 0 && now > meta.Expires {
			expired = append(expired, toi)
			t.fdt.Remove(toi)
			delete(t.files, toi)
		}
	}
	return expired
}

// FdtString returns the current FDT XML, empty while no files are listed.
func (t *Transmitter) FdtString() string {
	if t.fdt.FileCount() == 0 {
		return ""
	}
	buf, err := t.fdt.Serialize()
	if err != nil {
		log.WithError(err).Error("failed to serialize FDT")
		return ""
	}
	return string(buf)
}

// sendFdtLocked replaces the TOI 0 object with a freshly serialized FDT.
// Must be called with the files lock held.
func (t *Transmitter) sendFdtLocked() {
	if t.fdt.FileCount() == 0 {
		// Act as if the FDT was sent so the carousel does not retry
		// immediately.
		t.lastFdtSentMs.Store(tools.NowMs())
		return
	}

	expires := uint64(time.Now().Unix()) + 2*uint64(t.fdtRepeatInterval/time.Second)
	t.fdt.SetExpires(tools.NTPSecondsFromUnix(expires))
	t.mets.GetOrCreateGauge("multicast_fdt_sent").Increment()

	xml, err := t.fdt.Serialize()
	if err != nil {
		log.WithError(err).Error("failed to serialize FDT")
		return
	}

	// The FDT itself always travels in plaintext no-code form.
	fdtOti := oti.FecOti{
		EncodingID:           oti.CompactNoCode,
		EncodingSymbolLength: oti.MaxPayload(t.mtu, t.endpoint.IsIPv6(), oti.CompactNoCode),
		MaxSourceBlockLength: oti.DefaultMaxSourceBlockLength,
	}
	file, err := object.NewFile(0, fdtOti, "", "", expires, 0, xml, true, false, nil, t.mets)
	if err != nil {
		log.WithError(err).Error("failed to create FDT object")
		return
	}
	file.SetFdtInstanceID(t.fdt.InstanceID())
	t.files[0] = file
	t.lastFdtSentMs.Store(tools.NowMs())

	t.writeLastFdt(xml)
}

// writeLastFdt mirrors the serialized FDT to the side-channel file under
// an advisory exclusive lock, so the retriever can serve /fdt without
// in-process coordination.
func (t *Transmitter) writeLastFdt(xml []byte) {
	lock := flock.New(t.lastFdtPath)
	locked, err := lock.TryLock()
	if err != nil || !locked {
		log.Errorf("failed to lock FDT file %s for writing", t.lastFdtPath)
		return
	}
	defer lock.Unlock()

	if err := os.WriteFile(t.lastFdtPath, xml, 0o644); err != nil {
		log.WithError(err).Errorf("failed to write FDT file %s", t.lastFdtPath)
	}
}

// fileTransmittedLocked re-sends the FDT still containing the completed TOI
// so slow receivers can catch buffered packets, then removes the TOI from
// the FDT (and the object itself when remove-after-transmission is set) and
// fires the completion callback on a detached goroutine.
func (t *Transmitter) fileTransmittedLocked(toi uint32) {
	if toi == 0 {
		log.Debug("FDT (TOI 0) has been transmitted")
		return
	}

	t.sendFdtLocked()

	if t.removeAfter.Load() {
		delete(t.files, toi)
	}
	t.fdt.Remove(toi)

	if cb := t.completionCb; cb != nil {
		log.Debugf("calling completion callback for TOI %d", toi)
		go cb(toi)
	} else {
		log.Infof("TOI %d has been transmitted", toi)
	}
}

// packetPump is the transmit loop: pick the first incomplete object, emit
// one ALC packet worth of symbols, then wait out the rate limit.
func (t *Transmitter) packetPump() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		bytesQueued := t.sendNextPacket()
		if bytesQueued == 0 {
			if t.stopWhenDone.Load() && t.onlyFdtRemains() {
				log.Debug("all files transmitted, stopping")
				t.doneOnce.Do(func() { close(t.done) })
				return
			}
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		if t.rateLimitKbps.Load() != 0 {
			if err := t.limiter.WaitN(t.ctx, bytesQueued); err != nil {
				return
			}
		}
	}
}

func (t *Transmitter) onlyFdtRemains() bool {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	if len(t.files) == 0 {
		return true
	}
	if len(t.files) == 1 {
		_, onlyFdt := t.files[0]
		return onlyFdt
	}
	return false
}

func (t *Transmitter) sendNextPacket() int {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()

	tois := make([]uint32, 0, len(t.files))
	for toi := range t.files {
		tois = append(tois, toi)
	}
	sort.Slice(tois, func(i, j int) bool { return tois[i] < tois[j] })

	for _, toi := range tois {
		file := t.files[toi]
		if file.Complete() {
			continue
		}

		meta := file.Meta()
		if meta.ShouldBeCompleteAt > 0 && tools.NowMs() > meta.ShouldBeCompleteAt {
			log.Infof("deadline passed for %s (TOI %d), forcefully marking complete", meta.ContentLocation, meta.Toi)
			file.MarkComplete()
			t.fileTransmittedLocked(toi)
			continue
		}

		symbols := file.GetNextSymbols(int(t.maxPayload))
		if len(symbols) == 0 {
			continue
		}

		pkt, err := alc.Encode(t.tsi, uint16(toi), meta.FecOti, symbols, int(t.maxPayload), file.FdtInstanceID())
		if err != nil {
			log.WithError(err).Error("failed to encode ALC packet")
			file.MarkCompleted(symbols, false)
			continue
		}

		if _, err := t.conn.Write(pkt); err != nil {
			log.WithError(err).Error("send failed")
			file.MarkCompleted(symbols, false)
			return 0
		}

		log.Tracef("sent ALC packet of %d bytes with %d symbols for TOI %d", len(pkt), len(symbols), toi)
		file.MarkCompleted(symbols, true)
		t.mets.GetOrCreateGauge("multicast_symbols_sent").Add(float64(len(symbols)))
		t.mets.GetOrCreateGauge("multicast_packets_sent").Increment()

		if file.Complete() {
			t.fileTransmittedLocked(toi)
		}
		return len(pkt)
	}
	return 0
}

// fdtTicker re-sends the FDT every repeat interval while non-FDT objects
// are present.
func (t *Transmitter) fdtTicker() {
	defer t.wg.Done()
	for {
		intervalMs := uint64(t.fdtRepeatInterval / time.Millisecond)
		sinceLast := tools.NowMs() - t.lastFdtSentMs.Load()

		if sinceLast > intervalMs {
			t.filesMu.Lock()
			shouldSend := len(t.files) > 1
			if len(t.files) == 1 {
				_, onlyFdt := t.files[0]
				shouldSend = !onlyFdt
			}
			if shouldSend {
				t.sendFdtLocked()
			} else {
				t.lastFdtSentMs.Store(tools.NowMs())
			}
			t.filesMu.Unlock()
			sinceLast = 0
		}

		wait := time.Duration(intervalMs-sinceLast) * time.Millisecond
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
