package recovery

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/idlab-discover/5GBDash/pkg/alc"
	"github.com/idlab-discover/5GBDash/pkg/fec"
	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/oti"
	"github.com/idlab-discover/5GBDash/pkg/transport"
)

var rlog = logrus.WithField("process", "retriever")

// Retriever is the server half of the recovery channel: it re-packs the
// requested (block, symbol) pairs of an object into a stream of framed ALC
// packets.
type Retriever struct {
	tsi        uint16
	mtu        uint
	maxPayload uint32
	fecOti     oti.FecOti
	mets       *metrics.Metrics
}

// NewRetriever builds a retriever with the session parameters the
// transmitter used, so the re-encoded symbols match the multicast ones.
func NewRetriever(tsi uint16, mtu uint, scheme oti.FecScheme, mets *metrics.Metrics) *Retriever {
	if mtu == 0 {
		mtu = transport.DefaultMTU
	}
	return &Retriever{
		tsi:        tsi,
		mtu:        mtu,
		maxPayload: oti.MaxPayload(mtu, false, scheme),
		fecOti:     oti.SessionOti(mtu, false, scheme),
		mets:       mets,
	}
}

// GetAlcs reconstructs a transient object over the caller's buffer and
// returns the requested symbols as framed ALC packets.
func (r *Retriever) GetAlcs(contentLocation, contentType string, expires uint64,
	data []byte, toi uint32, missing map[uint16][]uint16) ([]byte, error) {

	transformer, fileOti, _, err := fec.ForScheme(r.fecOti, uint64(len(data)))
	if err != nil {
		return nil, err
	}
	file, err := object.NewFile(toi, fileOti, contentLocation, contentType,
		expires, 0, data, false, false, transformer, r.mets)
	if err != nil {
		return nil, errors.Wrapf(err, "create object for %s", contentLocation)
	}
	return r.GetAlcsFromFile(file, missing)
}

// GetAlcsFromFile serves the request from an object a transmitter already
// holds, avoiding a reload from disk.
func (r *Retriever) GetAlcsFromFile(file object.Object, missing map[uint16][]uint16) ([]byte, error) {
	unlock := file.LockContent()
	defer unlock()

	meta := file.Meta()
	symbolLength := int(meta.FecOti.EncodingSymbolLength)
	if symbolLength == 0 {
		return nil, errors.New("object has zero symbol length")
	}
	maxSymbolsPerAlc := int(r.maxPayload) / symbolLength
	if maxSymbolsPerAlc == 0 {
		maxSymbolsPerAlc = 1
	}

	var selected []alc.EncodingSymbol
	totalSymbols := 0
	for _, block := range file.SourceBlocks() {
		totalSymbols += len(block.Symbols)
		wanted, ok := missing[block.ID]
		if !ok {
			continue
		}
		for _, esi := range wanted {
			if int(esi) >= len(block.Symbols) {
				continue
			}
			sym := &block.Symbols[esi]
			if block.Data == nil || sym.Length == 0 || !sym.HasContent {
				continue
			}
			selected = append(selected, alc.NewEncodingSymbol(
				sym.ID, block.ID, block.SymbolData(int(esi)), meta.FecOti.EncodingID))
		}
	}

	var out bytes.Buffer
	for _, run := range contiguousRuns(selected, maxSymbolsPerAlc) {
		rlog.Tracef("creating ALC packet with %d symbols for block %d starting at symbol %d",
			len(run), run[0].SBN, run[0].ID)
		pkt, err := alc.Encode(r.tsi, uint16(meta.Toi), meta.FecOti, run,
			int(r.maxPayload), file.FdtInstanceID())
		if err != nil {
			return nil, errors.Wrap(err, "encode recovery packet")
		}
		out.WriteString(alcFramePrefix)
		out.Write(pkt)
		out.WriteString(frameSeparator)
	}

	percentage := 0.0
	if totalSymbols > 0 {
		percentage = float64(len(selected)) / float64(totalSymbols) * 100.0
	}
	r.mets.GetOrCreateGauge("alc_percentage_retrieved").Set(percentage)
	rlog.Debugf("ALC percentage retrieved: %.2f", percentage)

	return out.Bytes(), nil
}

// contiguousRuns groups symbols into runs that one ALC packet can carry: a
// shared source block, strictly consecutive ids, and at most maxPerRun
// symbols.
func contiguousRuns(symbols []alc.EncodingSymbol, maxPerRun int) [][]alc.EncodingSymbol {
	var runs [][]alc.EncodingSymbol
	var run []alc.EncodingSymbol
	for _, s := range symbols {
		if len(run) > 0 {
			last := run[len(run)-1]
			if s.SBN != last.SBN || s.ID != last.ID+1 || len(run) >= maxPerRun {
				runs = append(runs, run)
				run = nil
			}
		}
		run = append(run, s)
	}
	if len(run) > 0 {
		runs = append(runs, run)
	}
	return runs
}
