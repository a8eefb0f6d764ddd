package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNTPRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 17, 12, 30, 45, 500_000_000, time.UTC)
	ntp, err := SystemTimeToNTP(now)
	require.NoError(t, err)

	back, err := NTPToSystemTime(ntp)
	require.NoError(t, err)
	assert.WithinDuration(t, now, back, time.Microsecond)
}

func TestNTPSecondsFromUnix(t *testing.T) {
	assert.Equal(t, uint64(2208988800), NTPSecondsFromUnix(0))
}

func TestDivCeil(t *testing.T) {
	assert.Equal(t, uint64(3), DivCeil(5, 2))
	assert.Equal(t, uint64(2), DivCeil(4, 2))
	assert.Equal(t, uint64(1), DivCeil(1, 64))
}

func TestMd5Base64(t *testing.T) {
	data := []byte("The quick brown fox jumps over the lazy dog")
	encoded := Md5Base64(data)
	assert.True(t, Md5Matches(encoded, data))
	assert.False(t, Md5Matches(encoded, []byte("tampered")))
	assert.False(t, Md5Matches("not base64!!!", data))
}
