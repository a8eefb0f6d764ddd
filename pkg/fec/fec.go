// Package fec implements the FEC transformers attached to transfer
// objects: Raptor (RFC 5053 scheme 1) over the gofountain LT machinery and
// an optional Reed-Solomon GF(2^8) scheme.
package fec

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/idlab-discover/5GBDash/pkg/fdt"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/oti"
)

var log = logrus.WithField("process", "fec")

// ErrFECConfig wraps every FEC configuration failure (bad alignment, file
// too small, unsupported scheme parameters).
var ErrFECConfig = errors.New("FEC configuration error")

// surplusPacketRatio adds 15% transmission overhead in exchange for
// protection against up to 15% packet loss.
const surplusPacketRatio = 1.15

// ForEntry builds the receive-side transformer for an FDT entry, or nil
// for compact no-code.
func ForEntry(entry fdt.FileEntry, global oti.FecOti) (object.Transformer, error) {
	switch entry.FecOti.EncodingID {
	case oti.CompactNoCode:
		return nil, nil
	case oti.Raptor:
		return NewRaptorDecoder(entry, global)
	case oti.ReedSolomonGF28:
		return NewReedSolomonDecoder(entry)
	default:
		return nil, errors.Wrapf(ErrFECConfig, "scheme %s is not implemented", entry.FecOti.EncodingID)
	}
}

// ForScheme builds the transmit-side transformer for an object of length
// transferLength, or nil for compact no-code. The returned OTI carries the
// codec-adjusted symbol size and source block length.
func ForScheme(fecOti oti.FecOti, transferLength uint64) (object.Transformer, oti.FecOti, *fdt.RaptorAttributes, error) {
	switch fecOti.EncodingID {
	case oti.CompactNoCode:
		return nil, fecOti, nil, nil
	case oti.Raptor:
		r, err := NewRaptorEncoder(transferLength, fecOti.EncodingSymbolLength, fecOti.MaxSourceBlockLength)
		if err != nil {
			return nil, fecOti, nil, err
		}
		out := fecOti
		out.EncodingSymbolLength = r.T
		out.MaxSourceBlockLength = r.K
		attrs := &fdt.RaptorAttributes{
			NumSourceBlocks: r.Z,
			NumSubBlocks:    r.N,
			SymbolAlignment: r.Al,
		}
		return r, out, attrs, nil
	case oti.ReedSolomonGF28:
		rs, err := NewReedSolomonEncoder(transferLength, fecOti.EncodingSymbolLength, fecOti.MaxSourceBlockLength)
		if err != nil {
			return nil, fecOti, nil, err
		}
		return rs, fecOti, nil, nil
	default:
		return nil, fecOti, nil, errors.Wrapf(ErrFECConfig, "scheme %s is not implemented", fecOti.EncodingID)
	}
}
