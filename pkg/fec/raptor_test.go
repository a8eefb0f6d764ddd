package fec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/fdt"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/oti"
)

func TestRaptorParameterDerivation(t *testing.T) {
	r, err := NewRaptorEncoder(100_000, 1424, 842)
	require.NoError(t, err)

	assert.Equal(t, uint32(4), r.Al)
	assert.Zero(t, r.T%r.Al)
	assert.Equal(t, uint32(1), r.N)
	assert.GreaterOrEqual(t, r.Kt, uint32(4))
	assert.Equal(t, r.Z*r.K >= r.Kt, true)
}

func TestRaptorRejectsTinyFiles(t *testing.T) {
	_, err := NewRaptorEncoder(100, 1424, 842)
	assert.ErrorIs(t, err, ErrFECConfig)
}

func TestRaptorTargetKAddsSurplus(t *testing.T) {
	r, err := NewRaptorEncoder(1_000_000, 1424, 64)
	require.NoError(t, err)

	for z := uint32(0); z < r.Z; z++ {
		nsymbs := r.SourceBlockLength(uint16(z))
		assert.Greater(t, r.targetK(z), nsymbs, "block %d must carry repair symbols", z)
	}
}

// raptorEndToEnd pushes an encoded object through a receive-side File with
// a fraction of the repair overhead dropped.
func raptorEndToEnd(t *testing.T, size int, dropPerBlock int) {
	t.Helper()

	payload := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(payload)

	sessionOti := oti.FecOti{
		EncodingID:           oti.Raptor,
		EncodingSymbolLength: 1424,
		MaxSourceBlockLength: 64,
	}
	enc, fileOti, attrs, err := ForScheme(sessionOti, uint64(len(payload)))
	require.NoError(t, err)
	require.NotNil(t, attrs)

	sender, err := object.NewFile(1, fileOti, "raptor.bin", "", 0, 0, payload, false, true, enc, nil)
	require.NoError(t, err)
	sender.Meta().Raptor = attrs

	entry := *sender.Meta()
	dec, err := ForEntry(entry, sessionOti)
	require.NoError(t, err)
	recv, err := object.NewFileFromEntry(entry, dec, nil)
	require.NoError(t, err)

	raptor := enc.(*RaptorFEC)
	rng := rand.New(rand.NewSource(7))
	for _, block := range sender.SourceBlocks() {
		// Keep a comfortable decode margin above the source symbol count.
		margin := len(block.Symbols) - int(raptor.SourceBlockLength(block.ID)) - 3
		drop := dropPerBlock
		if drop > margin {
			drop = margin
		}
		if drop < 0 {
			drop = 0
		}
		dropped := map[int]bool{}
		for len(dropped) < drop {
			dropped[rng.Intn(len(block.Symbols))] = true
		}
		for i := range block.Symbols {
			if dropped[i] {
				continue
			}
			sym := block.Symbols[i]
			data := block.Data[sym.Offset : sym.Offset+sym.Length]
			require.NoError(t, recv.PutSymbol(alc.NewEncodingSymbol(sym.ID, block.ID, data, oti.Raptor)))
		}
	}

	require.True(t, recv.Complete(), "object must decode from the surviving symbols")
	assert.Equal(t, payload, recv.Buffer())
}

func TestRaptorDecodeLossless(t *testing.T) {
	raptorEndToEnd(t, 50_000, 0)
}

func TestRaptorDecodeWithLoss(t *testing.T) {
	// Drop two symbols per block, well inside the 15% repair overhead.
	raptorEndToEnd(t, 400_000, 2)
}

func TestRaptorDecoderRequiresAttributes(t *testing.T) {
	entry := fdt.FileEntry{
		Toi: 1,
		FecOti: oti.FecOti{
			EncodingID:           oti.Raptor,
			TransferLength:       100_000,
			EncodingSymbolLength: 1424,
			MaxSourceBlockLength: 64,
		},
	}
	_, err := NewRaptorDecoder(entry, oti.FecOti{})
	assert.ErrorIs(t, err, ErrFECConfig)
}

func TestRaptorDiscardDecoderForgetsProgress(t *testing.T) {
	r, err := NewRaptorEncoder(100_000, 1424, 64)
	require.NoError(t, err)
	r.decoders[3] = &raptorBlockDecoder{finished: true}
	r.DiscardDecoder(3)
	assert.Nil(t, r.decoders[3])
}
