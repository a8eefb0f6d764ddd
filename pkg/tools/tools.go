package tools

import (
	"crypto/md5"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
)

// ntpUnixDelta is the number of seconds between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01).
const ntpUnixDelta = 2208988800

// NTPToSystemTime converts a 64-bit NTP timestamp to a time.Time.
// The high 32 bits are seconds, the low 32 bits are the fractional part
// in units of 2^-32 seconds.
func NTPToSystemTime(ntp uint64) (time.Time, error) {
	sec := ntp >> 32
	frac := ntp & 0xFFFFFFFF

	nsec := (frac * 1_000_000_000) >> 32
	if nsec >= 1_000_000_000 {
		return time.Time{}, errors.New("invalid NTP fractional part")
	}

	unixSec := int64(sec) - ntpUnixDelta
	return time.Unix(unixSec, int64(nsec)).UTC(), nil
}

// SystemTimeToNTP converts a time.Time to a 64-bit NTP timestamp.
func SystemTimeToNTP(tm time.Time) (uint64, error) {
	unixSec := tm.Unix()
	if unixSec+ntpUnixDelta < 0 {
		return 0, errors.New("time predates the NTP epoch")
	}
	sec := uint64(unixSec + ntpUnixDelta)
	frac := (uint64(tm.Nanosecond()) << 32) / 1_000_000_000
	return sec<<32 | frac, nil
}

// NTPSecondsFromUnix converts unix seconds to the high-32-bit NTP second
// count used by the FDT Expires attribute.
func NTPSecondsFromUnix(unixSec uint64) uint64 {
	return unixSec + ntpUnixDelta
}

func DivCeil(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func DivFloor(a, b uint64) uint64 {
	return a / b
}

// Md5Base64 returns the base64 encoding of the MD5 digest of buf, the form
// carried by the FDT Content-MD5 attribute.
func Md5Base64(buf []byte) string {
	sum := md5.Sum(buf)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Md5Matches reports whether the base64-encoded digest matches buf.
func Md5Matches(encoded string, buf []byte) bool {
	want, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(want) != md5.Size {
		return false
	}
	sum := md5.Sum(buf)
	for i := range sum {
		if sum[i] != want[i] {
			return false
		}
	}
	return true
}

// NowMs returns the wall clock in milliseconds since the Unix epoch, the
// unit used by object deadlines.
func NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
