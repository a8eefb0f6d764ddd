package fdt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idlab-discover/5GBDash/pkg/oti"
)

func testGlobalOti() oti.FecOti {
	return oti.FecOti{
		EncodingID:           oti.CompactNoCode,
		EncodingSymbolLength: 1428,
		MaxSourceBlockLength: 64,
	}
}

func testEntry(toi uint32) FileEntry {
	fecOti := testGlobalOti()
	fecOti.TransferLength = 4096
	return FileEntry{
		Toi:                toi,
		ContentLocation:    "hello.bin",
		ContentLength:      4096,
		ContentMD5:         "q1qqqqqqqqqqqqqqqqqqqq==",
		ContentType:        "application/octet-stream",
		Expires:            1234567,
		ShouldBeCompleteAt: 99999999,
		FecOti:             fecOti,
	}
}

func TestAddRemoveBumpInstanceID(t *testing.T) {
	f := New(10, testGlobalOti())
	assert.Equal(t, uint32(10), f.InstanceID())

	f.Add(testEntry(1))
	assert.Equal(t, uint32(11), f.InstanceID())
	assert.Equal(t, 1, f.FileCount())

	f.Remove(1)
	assert.Equal(t, uint32(12), f.InstanceID())
	assert.Equal(t, 0, f.FileCount())
}

func TestInstanceIDWraps(t *testing.T) {
	f := New((1<<20)-1, testGlobalOti())
	f.Add(testEntry(1))
	assert.Equal(t, uint32(0), f.InstanceID())
}

func TestSerializeParseRoundTrip(t *testing.T) {
	f := New(0, testGlobalOti())
	f.SetExpires(3906744000)

	first := testEntry(1)
	second := testEntry(2)
	second.ContentLocation = "video/seg1.m4s"
	second.ContentMD5 = ""
	second.StreamID = 3
	second.FecOti.TransferLength = 5000 // differs from content length

	f.Add(first)
	f.Add(second)

	xml, err := f.Serialize()
	require.NoError(t, err)

	parsed, err := Parse(f.InstanceID(), xml)
	require.NoError(t, err)

	entries := parsed.FileEntries()
	require.Len(t, entries, 2)

	assert.Equal(t, first.Toi, entries[0].Toi)
	assert.Equal(t, first.ContentLocation, entries[0].ContentLocation)
	assert.Equal(t, first.ContentLength, entries[0].ContentLength)
	assert.Equal(t, first.ContentMD5, entries[0].ContentMD5)
	assert.Equal(t, first.ContentType, entries[0].ContentType)
	assert.Equal(t, first.Expires, entries[0].Expires)
	assert.Equal(t, first.ShouldBeCompleteAt, entries[0].ShouldBeCompleteAt)
	assert.Equal(t, first.FecOti, entries[0].FecOti)

	assert.Equal(t, uint32(3), entries[1].StreamID)
	assert.Equal(t, uint64(5000), entries[1].FecOti.TransferLength)
	assert.Equal(t, uint64(5000), entries[1].TransferLength())
}

func TestSerializeSuppressesGlobalDefaults(t *testing.T) {
	f := New(0, testGlobalOti())
	f.SetExpires(1)
	f.Add(testEntry(1))
	f.Add(testEntry(2))

	xml, err := f.Serialize()
	require.NoError(t, err)
	body := string(xml)

	// The per-file OTI equals the instance-level one, so it only appears
	// on the root element.
	assert.Equal(t, 1, strings.Count(body, "FEC-OTI-Maximum-Source-Block-Length"))
	assert.Equal(t, 1, strings.Count(body, "FEC-OTI-Encoding-Symbol-Length"))
	// Transfer length equals content length, so the attribute is dropped.
	assert.NotContains(t, body, "Transfer-Length")
}

func TestSerializePromotesSingleEntryOti(t *testing.T) {
	f := New(0, testGlobalOti())
	f.SetExpires(1)

	entry := testEntry(1)
	entry.FecOti.MaxSourceBlockLength = 842
	f.Add(entry)

	xml, err := f.Serialize()
	require.NoError(t, err)
	assert.Contains(t, string(xml), `FEC-OTI-Maximum-Source-Block-Length="842"`)

	parsed, err := Parse(0, xml)
	require.NoError(t, err)
	require.Len(t, parsed.FileEntries(), 1)
	assert.Equal(t, uint32(842), parsed.FileEntries()[0].FecOti.MaxSourceBlockLength)
}

func TestSerializeEmptyFdtHasNoFiles(t *testing.T) {
	f := New(0, testGlobalOti())
	f.SetExpires(1)

	xml, err := f.Serialize()
	require.NoError(t, err)
	assert.NotContains(t, string(xml), "<File")
}

func TestParseMissingExpires(t *testing.T) {
	_, err := Parse(0, []byte(`<FDT-Instance></FDT-Instance>`))
	assert.ErrorIs(t, err, ErrInvalidFDT)
}

func TestParseMissingToi(t *testing.T) {
	body := `<FDT-Instance Expires="123"><File Content-Location="a"/></FDT-Instance>`
	_, err := Parse(0, []byte(body))
	assert.ErrorIs(t, err, ErrInvalidFDT)
}

func TestParseMissingContentLocation(t *testing.T) {
	body := `<FDT-Instance Expires="123"><File TOI="1"/></FDT-Instance>`
	_, err := Parse(0, []byte(body))
	assert.ErrorIs(t, err, ErrInvalidFDT)
}

func TestParseTransferLengthDefaultsToContentLength(t *testing.T) {
	body := `<FDT-Instance Expires="123"><File TOI="1" Content-Location="a" Content-Length="512"/></FDT-Instance>`
	parsed, err := Parse(0, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, uint64(512), parsed.FileEntries()[0].TransferLength())
}

func TestParseRaptorEntryRequiresSchemeAttributes(t *testing.T) {
	body := `<FDT-Instance Expires="123" FEC-OTI-Encoding-Symbol-Length="1424">` +
		`<File TOI="1" Content-Location="a" Content-Length="512" FEC-OTI-FEC-Encoding-ID="1"/></FDT-Instance>`
	_, err := Parse(0, []byte(body))
	assert.ErrorIs(t, err, ErrInvalidFDT)
}

func TestParseRaptorEntry(t *testing.T) {
	body := `<FDT-Instance Expires="123" FEC-OTI-Encoding-Symbol-Length="1424" FEC-OTI-Maximum-Source-Block-Length="842">` +
		`<File TOI="1" Content-Location="a" Content-Length="8192" FEC-OTI-FEC-Encoding-ID="1" ` +
		`FEC-OTI-Number-Of-Source-Blocks="2" FEC-OTI-Number-Of-Sub-Blocks="1" FEC-OTI-Symbol-Alignment-Parameter="4"/>` +
		`</FDT-Instance>`
	parsed, err := Parse(0, []byte(body))
	require.NoError(t, err)

	entry := parsed.FileEntries()[0]
	require.NotNil(t, entry.Raptor)
	assert.Equal(t, uint32(2), entry.Raptor.NumSourceBlocks)
	assert.Equal(t, uint32(1), entry.Raptor.NumSubBlocks)
	assert.Equal(t, uint32(4), entry.Raptor.SymbolAlignment)
}

func TestParseRaptorEntryBadAlignment(t *testing.T) {
	body := `<FDT-Instance Expires="123" FEC-OTI-Encoding-Symbol-Length="1423" FEC-OTI-Maximum-Source-Block-Length="842">` +
		`<File TOI="1" Content-Location="a" Content-Length="8192" FEC-OTI-FEC-Encoding-ID="1" ` +
		`FEC-OTI-Number-Of-Source-Blocks="2" FEC-OTI-Number-Of-Sub-Blocks="1" FEC-OTI-Symbol-Alignment-Parameter="4"/>` +
		`</FDT-Instance>`
	_, err := Parse(0, []byte(body))
	assert.ErrorIs(t, err, ErrInvalidFDT)
}

func TestRaptorAttributesRoundTrip(t *testing.T) {
	global := testGlobalOti()
	f := New(0, global)
	f.SetExpires(55)

	entry := testEntry(1)
	entry.FecOti.EncodingID = oti.Raptor
	entry.Raptor = &RaptorAttributes{NumSourceBlocks: 3, NumSubBlocks: 1, SymbolAlignment: 4}
	f.Add(entry)
	f.Add(testEntry(2)) // keeps the single-entry promotion out of the way

	xml, err := f.Serialize()
	require.NoError(t, err)

	parsed, err := Parse(0, xml)
	require.NoError(t, err)
	got := parsed.FileEntries()[0]
	require.NotNil(t, got.Raptor)
	assert.Equal(t, *entry.Raptor, *got.Raptor)
	assert.Equal(t, oti.Raptor, got.FecOti.EncodingID)
}
