package transmitter

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/oti"
	"github.com/idlab-discover/5GBDash/pkg/transport"
)

// collectorConn records every written datagram.
type collectorConn struct {
	mu      sync.Mutex
	packets [][]byte
}

func (c *collectorConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pkt := make([]byte, len(p))
	copy(pkt, p)
	c.packets = append(c.packets, pkt)
	return len(p), nil
}

func (c *collectorConn) Read(p []byte) (int, error) { select {} }
func (c *collectorConn) Close() error               { return nil }

func (c *collectorConn) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.packets))
	copy(out, c.packets)
	return out
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Endpoint:          transport.NewUDPEndpoint("", transport.DefaultMulticastGroup, transport.DefaultPort),
		Tsi:               1,
		Mtu:               1500,
		Scheme:            oti.CompactNoCode,
		FdtRepeatInterval: time.Second,
		LastFdtPath:       filepath.Join(t.TempDir(), "last.fdt"),
	}
}

func TestSendEmitsDataAndFdtPackets(t *testing.T) {
	conn := &collectorConn{}
	tx, err := New(conn, testConfig(t), metrics.New())
	require.NoError(t, err)

	// MTU 1500, IPv4: max payload is 1500-20-8-32-4 = 1436 bytes per symbol.
	assert.Equal(t, uint32(1436), tx.MaxPayload())

	payload := bytes.Repeat([]byte{0xAB}, 4096)

	var done sync.WaitGroup
	done.Add(1)
	var completedToi uint32
	tx.RegisterCompletionCallback(func(toi uint32) {
		completedToi = toi
		done.Done()
	})

	tx.SetStopWhenDone(true)
	tx.SetRemoveAfterTransmission(true)
	tx.Start()

	toi, err := tx.Send("hello.bin", "application/octet-stream", uint64(time.Now().Unix())+3600, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), toi)

	select {
	case <-tx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transmitter did not finish")
	}
	done.Wait()
	tx.Stop()

	assert.Equal(t, uint32(1), completedToi)

	dataPackets := 0
	fdtPackets := 0
	var received []byte
	for _, raw := range conn.snapshot() {
		pkt, err := alc.Decode(raw)
		require.NoError(t, err)
		if pkt.Toi == 0 {
			fdtPackets++
			continue
		}
		assert.Equal(t, uint64(1), pkt.Toi)
		dataPackets++
		symbols, err := pkt.Symbols()
		require.NoError(t, err)
		for _, s := range symbols {
			received = append(received, s.Data...)
		}
	}

	// 4096 bytes in 1436-byte symbols: exactly 3 data packets.
	assert.Equal(t, 3, dataPackets)
	assert.GreaterOrEqual(t, fdtPackets, 1)
	assert.Equal(t, payload, received)
}

func TestToiWrapsToOne(t *testing.T) {
	conn := &collectorConn{}
	cfg := testConfig(t)
	cfg.InitialToi = 0xFFFF
	tx, err := New(conn, cfg, metrics.New())
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4}
	toi, err := tx.Send("a", "", 0, 0, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFF), toi)

	toi, err = tx.Send("b", "", 0, 0, data)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), toi)
}

func TestFdtStringEmptyWithoutFiles(t *testing.T) {
	tx, err := New(&collectorConn{}, testConfig(t), metrics.New())
	require.NoError(t, err)
	assert.Empty(t, tx.FdtString())

	_, err = tx.Send("a", "", 0, 0, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Contains(t, tx.FdtString(), "FDT-Instance")
}

func TestLastFdtMirrorWritten(t *testing.T) {
	cfg := testConfig(t)
	tx, err := New(&collectorConn{}, cfg, metrics.New())
	require.NoError(t, err)

	_, err = tx.Send("a", "", 0, 0, []byte{1, 2, 3})
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.LastFdtPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "FDT-Instance")
}

func TestClearFilesDropsEverythingButFdt(t *testing.T) {
	tx, err := New(&collectorConn{}, testConfig(t), metrics.New())
	require.NoError(t, err)

	_, err = tx.Send("a", "", 0, 0, []byte{1})
	require.NoError(t, err)
	_, err = tx.Send("b", "", 0, 0, []byte{2})
	require.NoError(t, err)

	tx.ClearFiles()
	assert.Nil(t, tx.GetFile(1))
	assert.Nil(t, tx.GetFile(2))
	assert.Equal(t, 0, tx.fdt.FileCount())
}

func TestRemoveExpiredFiles(t *testing.T) {
	tx, err := New(&collectorConn{}, testConfig(t), metrics.New())
	require.NoError(t, err)

	toi, err := tx.Send("a", "", uint64(time.Now().Unix())-10, 0, []byte{1})
	require.NoError(t, err)

	// Not yet complete: stays.
	assert.Empty(t, tx.RemoveExpiredFiles())

	tx.GetFile(toi).MarkComplete()
	expired := tx.RemoveExpiredFiles()
	require.Len(t, expired, 1)
	assert.Equal(t, toi, expired[0])
	assert.Nil(t, tx.GetFile(toi))
}

func TestRateLimitBoundsThroughput(t *testing.T) {
	conn := &collectorConn{}
	cfg := testConfig(t)
	cfg.RateLimitKbps = 800 // 100 KB/s
	tx, err := New(conn, cfg, metrics.New())
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, 100_000)

	tx.SetStopWhenDone(true)
	tx.SetRemoveAfterTransmission(true)
	tx.Start()
	start := time.Now()
	_, err = tx.Send("big.bin", "", uint64(time.Now().Unix())+3600, 0, payload)
	require.NoError(t, err)

	select {
	case <-tx.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("transmitter did not finish")
	}
	elapsed := time.Since(start)
	tx.Stop()

	// 100 KB at 100 KB/s should take about a second; the token bucket
	// may lend one burst up front.
	assert.Greater(t, elapsed, 700*time.Millisecond)
}
