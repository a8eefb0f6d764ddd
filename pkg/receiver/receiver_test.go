package receiver

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/oti"
	"github.com/idlab-discover/5GBDash/pkg/recovery"
	"github.com/idlab-discover/5GBDash/pkg/tools"
	"github.com/idlab-discover/5GBDash/pkg/transmitter"
	"github.com/idlab-discover/5GBDash/pkg/transport"
)

func newTestTransmitter(t *testing.T, conn transport.Conn, tsi uint16) *transmitter.Transmitter {
	t.Helper()
	tx, err := transmitter.New(conn, transmitter.Config{
		Endpoint:          transport.NewUDPEndpoint("", transport.DefaultMulticastGroup, transport.DefaultPort),
		Tsi:               tsi,
		Mtu:               1500,
		Scheme:            oti.CompactNoCode,
		FdtRepeatInterval: 200 * time.Millisecond,
		LastFdtPath:       filepath.Join(t.TempDir(), "last.fdt"),
	}, metrics.New())
	require.NoError(t, err)
	tx.SetStopWhenDone(true)
	tx.SetRemoveAfterTransmission(true)
	return tx
}

func TestEndToEndSingleFile(t *testing.T) {
	sendConn, recvConn := transport.Pipe(nil)

	tx := newTestTransmitter(t, sendConn, 1)

	rx, err := New(recvConn, Config{Tsi: 1}, metrics.New())
	require.NoError(t, err)

	type result struct {
		toi  uint32
		data []byte
	}
	completed := make(chan result, 4)
	rx.RegisterCompletionCallback(func(file object.Object) {
		data := make([]byte, len(file.Buffer()))
		copy(data, file.Buffer())
		completed <- result{toi: file.Meta().Toi, data: data}
	})
	rx.Start()
	tx.Start()

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	toi, err := tx.Send("hello.bin", "application/octet-stream",
		uint64(time.Now().Unix())+3600, 0, payload)
	require.NoError(t, err)

	select {
	case got := <-completed:
		assert.Equal(t, toi, got.toi)
		assert.Equal(t, payload, got.data)
		assert.True(t, tools.Md5Matches(tools.Md5Base64(payload), got.data))
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback never fired")
	}

	// The callback fires exactly once per TOI.
	select {
	case got := <-completed:
		t.Fatalf("unexpected second completion for TOI %d", got.toi)
	case <-time.After(300 * time.Millisecond):
	}

	tx.Stop()
	rx.Stop()
}

func TestEndToEndTwoFilesBumpInstanceIDs(t *testing.T) {
	sendConn, recvConn := transport.Pipe(nil)

	tx := newTestTransmitter(t, sendConn, 1)
	// The session stays open across both sends.
	tx.SetStopWhenDone(false)
	rx, err := New(recvConn, Config{Tsi: 1}, metrics.New())
	require.NoError(t, err)

	completed := make(chan uint32, 4)
	rx.RegisterCompletionCallback(func(file object.Object) {
		completed <- file.Meta().Toi
	})
	rx.Start()
	tx.Start()

	expires := uint64(time.Now().Unix()) + 3600
	_, err = tx.Send("a.bin", "", expires, 0, bytes.Repeat([]byte{1}, 2000))
	require.NoError(t, err)

	first := <-completed

	_, err = tx.Send("b.bin", "", expires, 0, bytes.Repeat([]byte{2}, 2000))
	require.NoError(t, err)

	var second uint32
	select {
	case second = <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("second file never completed")
	}

	assert.Equal(t, uint32(1), first)
	assert.Equal(t, uint32(2), second)

	tx.Stop()
	rx.Stop()
}

// lossySource serves the transmitted payload to the recovery server.
type lossySource struct {
	location string
	data     []byte
}

func (s lossySource) Lookup(toi uint32, contentLocation string) ([]byte, string, uint64, bool) {
	if contentLocation != s.location {
		return nil, "", 0, false
	}
	return s.data, "application/octet-stream", 0, true
}

func TestEndToEndWithLossAndRecovery(t *testing.T) {
	payload := make([]byte, 100_000)
	for i := range payload {
		payload[i] = byte(i * 13)
	}

	mets := metrics.New()
	retriever := recovery.NewRetriever(1, 1500, oti.CompactNoCode, mets)
	server := recovery.NewServer(retriever, lossySource{location: "lossy.bin", data: payload}, "")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	// Drop every seventh data packet; the FDT always goes through.
	counter := 0
	sendConn, recvConn := transport.Pipe(func(pkt []byte) bool {
		decoded, err := alc.Decode(pkt)
		if err != nil || decoded.Toi == 0 {
			return false
		}
		counter++
		return counter%7 == 0
	})

	tx := newTestTransmitter(t, sendConn, 1)
	rx, err := New(recvConn, Config{Tsi: 1, RetrievalURL: ts.URL + "/alc"}, metrics.New())
	require.NoError(t, err)

	completed := make(chan []byte, 1)
	rx.RegisterCompletionCallback(func(file object.Object) {
		select {
		case completed <- append([]byte(nil), file.Buffer()...):
		default:
		}
	})
	rx.Start()
	tx.Start()

	deadline := tools.NowMs() + 800
	_, err = tx.Send("lossy.bin", "", uint64(time.Now().Unix())+3600, deadline, payload)
	require.NoError(t, err)

	select {
	case got := <-completed:
		assert.Equal(t, payload, got)
	case <-time.After(10 * time.Second):
		t.Fatal("object never completed despite recovery")
	}

	tx.Stop()
	rx.Stop()
}

// encodePacket builds one raw ALC datagram for tests that drive the
// receiver pipeline directly.
func encodePacket(t *testing.T, tsi, toi uint16, fecOti oti.FecOti, esi uint16, data []byte, instanceID uint32) []byte {
	t.Helper()
	pkt, err := alc.Encode(tsi, toi, fecOti,
		[]alc.EncodingSymbol{alc.NewEncodingSymbol(esi, 0, data, fecOti.EncodingID)}, 1500, instanceID)
	require.NoError(t, err)
	return pkt
}

func TestUnknownToiBufferingResolvesOnFdt(t *testing.T) {
	_, recvConn := transport.Pipe(nil)
	rx, err := New(recvConn, Config{Tsi: 5}, metrics.New())
	require.NoError(t, err)
	defer rx.Stop()

	var mu sync.Mutex
	var completedData []byte
	rx.RegisterCompletionCallback(func(file object.Object) {
		mu.Lock()
		completedData = append([]byte(nil), file.Buffer()...)
		mu.Unlock()
	})
	rx.Start()

	payload := bytes.Repeat([]byte{0x7E}, 800)
	fileOti := oti.FecOti{
		EncodingID:           oti.CompactNoCode,
		TransferLength:       800,
		EncodingSymbolLength: 16,
		MaxSourceBlockLength: 64,
	}

	// 50 data packets for TOI 7 arrive before any FDT.
	for i := 0; i < 50; i++ {
		raw := encodePacket(t, 5, 7, fileOti, uint16(i), payload[i*16:(i+1)*16], 0)
		rx.HandleAlcPacket(raw, true)
	}

	// Now the FDT announcing TOI 7 arrives.
	fdtXml := `<?xml version="1.0"?>` +
		`<FDT-Instance Expires="3906744000" FEC-OTI-FEC-Encoding-ID="0" ` +
		`FEC-OTI-Maximum-Source-Block-Length="64" FEC-OTI-Encoding-Symbol-Length="16" ` +
		`xmlns:mbms2007="urn:3GPP:metadata:2007:MBMS:FLUTE:FDT">` +
		`<File TOI="7" Content-Location="buffered.bin" Content-Length="800" ` +
		`Content-MD5="` + tools.Md5Base64(payload) + `"/></FDT-Instance>`

	fdtOti := oti.FecOti{
		EncodingID:           oti.CompactNoCode,
		TransferLength:       uint64(len(fdtXml)),
		EncodingSymbolLength: 1428,
		MaxSourceBlockLength: 64,
	}
	raw := encodePacket(t, 5, 0, fdtOti, 0, []byte(fdtXml), 1)
	rx.HandleAlcPacket(raw, true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completedData != nil
	}, 5*time.Second, 10*time.Millisecond, "buffered packets must complete the object")

	mu.Lock()
	assert.Equal(t, payload, completedData)
	mu.Unlock()
}

func TestTsiGateDropsForeignSessions(t *testing.T) {
	_, recvConn := transport.Pipe(nil)
	rx, err := New(recvConn, Config{Tsi: 5}, metrics.New())
	require.NoError(t, err)
	defer rx.Stop()

	fileOti := oti.FecOti{
		EncodingID:           oti.CompactNoCode,
		TransferLength:       16,
		EncodingSymbolLength: 16,
		MaxSourceBlockLength: 64,
	}
	raw := encodePacket(t, 9, 3, fileOti, 0, make([]byte, 16), 0)
	rx.HandleAlcPacket(raw, true)

	rx.bufferMu.Lock()
	defer rx.bufferMu.Unlock()
	assert.Zero(t, rx.alcBuffer.Len())
}

func TestDuplicateFdtInstanceIsDropped(t *testing.T) {
	_, recvConn := transport.Pipe(nil)
	rx, err := New(recvConn, Config{Tsi: 5}, metrics.New())
	require.NoError(t, err)
	defer rx.Stop()

	fdtXml := `<?xml version="1.0"?>` +
		`<FDT-Instance Expires="3906744000" FEC-OTI-FEC-Encoding-ID="0" ` +
		`FEC-OTI-Maximum-Source-Block-Length="64" FEC-OTI-Encoding-Symbol-Length="1428" ` +
		`xmlns:mbms2007="urn:3GPP:metadata:2007:MBMS:FLUTE:FDT">` +
		`<File TOI="3" Content-Location="x.bin" Content-Length="16"/></FDT-Instance>`

	fdtOti := oti.FecOti{
		EncodingID:           oti.CompactNoCode,
		TransferLength:       uint64(len(fdtXml)),
		EncodingSymbolLength: 1428,
		MaxSourceBlockLength: 64,
	}
	raw := encodePacket(t, 5, 0, fdtOti, 0, []byte(fdtXml), 42)

	rx.HandleAlcPacket(raw, true)
	for rx.HandleAlcBuffer() {
	}

	rx.filesMu.Lock()
	require.NotNil(t, rx.fdt)
	assert.Equal(t, uint32(42), rx.fdt.InstanceID())
	_, spawned := rx.files[3]
	rx.filesMu.Unlock()
	assert.True(t, spawned)

	// The same instance id again: nothing to assemble, packet dropped.
	rx.HandleAlcPacket(raw, true)
	for rx.HandleAlcBuffer() {
	}
	rx.filesMu.Lock()
	_, assembling := rx.files[0]
	rx.filesMu.Unlock()
	assert.False(t, assembling)
}

func TestRemoveExpiredFilesKeepsBootstrap(t *testing.T) {
	_, recvConn := transport.Pipe(nil)
	rx, err := New(recvConn, Config{Tsi: 5}, metrics.New())
	require.NoError(t, err)
	defer rx.Stop()

	spawn := func(toi uint32, location string) {
		fdtXml := `<?xml version="1.0"?>` +
			`<FDT-Instance Expires="3906744000" FEC-OTI-FEC-Encoding-ID="0" ` +
			`FEC-OTI-Maximum-Source-Block-Length="64" FEC-OTI-Encoding-Symbol-Length="1428" ` +
			`xmlns:mbms2007="urn:3GPP:metadata:2007:MBMS:FLUTE:FDT">` +
			`<File TOI="` + uintStr(toi) + `" Content-Location="` + location + `" Content-Length="16"/></FDT-Instance>`
		fdtOti := oti.FecOti{
			EncodingID:           oti.CompactNoCode,
			TransferLength:       uint64(len(fdtXml)),
			EncodingSymbolLength: 1428,
			MaxSourceBlockLength: 64,
		}
		raw := encodePacket(t, 5, 0, fdtOti, 0, []byte(fdtXml), toi)
		rx.HandleAlcPacket(raw, true)
		for rx.HandleAlcBuffer() {
		}
	}

	spawn(1, "bootstrap.multipart")
	spawn(2, "other.bin")

	removed := make([]string, 0)
	rx.RegisterRemovalCallback(func(file object.Object) {
		removed = append(removed, file.Meta().ContentLocation)
	})

	// Ages are counted in whole seconds; let the objects turn one second
	// old before reaping with a zero bound.
	time.Sleep(1100 * time.Millisecond)
	rx.RemoveExpiredFiles(0)

	rx.filesMu.Lock()
	_, bootstrapKept := rx.files[1]
	_, otherKept := rx.files[2]
	rx.filesMu.Unlock()

	assert.True(t, bootstrapKept)
	assert.False(t, otherKept)
	assert.Equal(t, []string{"other.bin"}, removed)
}

func uintStr(v uint32) string {
	return string([]byte{byte('0' + v)})
}

func TestVideoIdAllowListSuppressesReception(t *testing.T) {
	_, recvConn := transport.Pipe(nil)
	rx, err := New(recvConn, Config{Tsi: 5}, metrics.New())
	require.NoError(t, err)
	defer rx.Stop()

	rx.SetVideoIDs([]string{"vid1"})
	assert.True(t, rx.mayReceive("/vid1/seg0.m4s"))
	assert.False(t, rx.mayReceive("/vid2/seg0.m4s"))
	assert.False(t, rx.mayReceive("plain.bin"))

	rx.SetVideoIDs(nil)
	assert.True(t, rx.mayReceive("plain.bin"))
}

func TestRingBufferBounds(t *testing.T) {
	rb := newRingBuffer(4)
	for i := 0; i < 10; i++ {
		rb.PushBackEvict(&alc.Packet{Toi: uint64(i)})
	}
	assert.Equal(t, 4, rb.Len())
	assert.Equal(t, uint64(6), rb.Front().Toi)

	rb2 := newRingBuffer(2)
	assert.True(t, rb2.PushBack(&alc.Packet{}))
	assert.True(t, rb2.PushBack(&alc.Packet{}))
	assert.False(t, rb2.PushBack(&alc.Packet{}))
	assert.Equal(t, 2, rb2.Len())
}

func TestSubtractSymbols(t *testing.T) {
	missing := map[uint16][]uint16{
		0: {1, 2, 3},
		1: {4},
	}
	symbols := []alc.EncodingSymbol{
		alc.NewEncodingSymbol(2, 0, nil, oti.CompactNoCode),
		alc.NewEncodingSymbol(4, 1, nil, oti.CompactNoCode),
		alc.NewEncodingSymbol(9, 1, nil, oti.CompactNoCode),
	}
	removed := subtractSymbols(missing, symbols)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []uint16{1, 3}, missing[0])
	_, ok := missing[1]
	assert.False(t, ok)
}
