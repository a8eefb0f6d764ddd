package fec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/oti"
)

func TestReedSolomonRejectsOversizedBlocks(t *testing.T) {
	_, err := NewReedSolomonEncoder(10_000, 16, 250)
	assert.ErrorIs(t, err, ErrFECConfig)
}

func TestReedSolomonEndToEnd(t *testing.T) {
	payload := make([]byte, 30_000)
	rand.New(rand.NewSource(5)).Read(payload)

	sessionOti := oti.FecOti{
		EncodingID:           oti.ReedSolomonGF28,
		EncodingSymbolLength: 512,
		MaxSourceBlockLength: 20,
	}
	enc, fileOti, _, err := ForScheme(sessionOti, uint64(len(payload)))
	require.NoError(t, err)

	sender, err := object.NewFile(2, fileOti, "rs.bin", "", 0, 0, payload, false, true, enc, nil)
	require.NoError(t, err)

	entry := *sender.Meta()
	dec, err := ForEntry(entry, sessionOti)
	require.NoError(t, err)
	recv, err := object.NewFileFromEntry(entry, dec, nil)
	require.NoError(t, err)

	rs := enc.(*ReedSolomonFEC)
	rng := rand.New(rand.NewSource(6))
	for _, block := range sender.SourceBlocks() {
		// Drop one source symbol per block; parity covers it.
		parity := int(rs.parityCount(block.ID))
		drop := rng.Intn(len(block.Symbols) - parity)
		for i := range block.Symbols {
			if i == drop {
				continue
			}
			sym := block.Symbols[i]
			data := block.Data[sym.Offset : sym.Offset+sym.Length]
			require.NoError(t, recv.PutSymbol(alc.NewEncodingSymbol(sym.ID, block.ID, data, oti.ReedSolomonGF28)))
		}
	}

	require.True(t, recv.Complete())
	assert.Equal(t, payload, recv.Buffer())
}
