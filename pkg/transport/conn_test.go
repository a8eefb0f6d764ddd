package transport

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversDatagrams(t *testing.T) {
	sender, receiver := Pipe(nil)

	_, err := sender.Write([]byte("one"))
	require.NoError(t, err)
	_, err = sender.Write([]byte("two"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := receiver.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))

	n, err = receiver.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf[:n]))
}

func TestPipeDropFn(t *testing.T) {
	drop := true
	sender, receiver := Pipe(func(pkt []byte) bool { return drop })

	_, err := sender.Write([]byte("lost"))
	require.NoError(t, err)
	drop = false
	_, err = sender.Write([]byte("kept"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := receiver.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(buf[:n]))
}

func TestPipeCloseUnblocksReader(t *testing.T) {
	sender, receiver := Pipe(nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := receiver.Read(make([]byte, 4))
		errCh <- err
	}()

	require.NoError(t, sender.Close())
	assert.Equal(t, io.EOF, <-errCh)
}

func TestEndpointAddressing(t *testing.T) {
	e := NewUDPEndpoint("", "238.1.1.95", 40085)
	assert.Equal(t, "238.1.1.95:40085", e.DestAddr())
	assert.False(t, e.IsIPv6())

	v6 := NewUDPEndpoint("", "ff02::1", 40085)
	assert.True(t, v6.IsIPv6())
}
