package fdt

import (
	"bytes"
	"encoding/xml"
	"strconv"

	"github.com/pkg/errors"

	"github.com/idlab-discover/5GBDash/pkg/oti"
)

// mbms2007 is the MBMS FLUTE extension namespace the FDT declares for its
// Cache-Control, Recover and Stream children.
const mbms2007 = "urn:3GPP:metadata:2007:MBMS:FLUTE:FDT"

// Serialization model. Element names carry the literal mbms2007 prefix,
// matching the xmlns declaration on the root.
type xmlInstance struct {
	XMLName       xml.Name  `xml:"FDT-Instance"`
	Expires       string    `xml:"Expires,attr"`
	FecEncodingID uint8     `xml:"FEC-OTI-FEC-Encoding-ID,attr"`
	MaxSBL        uint32    `xml:"FEC-OTI-Maximum-Source-Block-Length,attr"`
	ESL           uint32    `xml:"FEC-OTI-Encoding-Symbol-Length,attr"`
	XmlnsMbms2007 string    `xml:"xmlns:mbms2007,attr"`
	Files         []xmlFile `xml:"File"`
}

type xmlFile struct {
	Toi             uint32  `xml:"TOI,attr"`
	ContentLocation string  `xml:"Content-Location,attr"`
	ContentLength   uint64  `xml:"Content-Length,attr"`
	TransferLength  *uint64 `xml:"Transfer-Length,attr,omitempty"`
	ContentMD5      string  `xml:"Content-MD5,attr,omitempty"`
	ContentType     string  `xml:"Content-Type,attr,omitempty"`

	FecEncodingID   *uint8  `xml:"FEC-OTI-FEC-Encoding-ID,attr,omitempty"`
	MaxSBL          *uint32 `xml:"FEC-OTI-Maximum-Source-Block-Length,attr,omitempty"`
	ESL             *uint32 `xml:"FEC-OTI-Encoding-Symbol-Length,attr,omitempty"`
	SymbolAlignment *uint32 `xml:"FEC-OTI-Symbol-Alignment-Parameter,attr,omitempty"`
	NumSourceBlocks *uint32 `xml:"FEC-OTI-Number-Of-Source-Blocks,attr,omitempty"`
	NumSubBlocks    *uint32 `xml:"FEC-OTI-Number-Of-Sub-Blocks,attr,omitempty"`

	CacheControl *xmlCacheControl `xml:"mbms2007:Cache-Control,omitempty"`
	Recover      *xmlRecover      `xml:"mbms2007:Recover,omitempty"`
	Stream       *xmlStream       `xml:"mbms2007:Stream,omitempty"`
}

type xmlCacheControl struct {
	Expires uint64 `xml:"mbms2007:Expires"`
}

type xmlRecover struct {
	Deadline uint64 `xml:"mbms2007:Deadline"`
}

type xmlStream struct {
	ID uint32 `xml:"mbms2007:Id"`
}

// Parse model. The decoder resolves the mbms2007 prefix, so the children
// are matched by namespace plus local name; the attributes by name.
type xmlInstanceIn struct {
	XMLName       xml.Name    `xml:"FDT-Instance"`
	Expires       string      `xml:"Expires,attr"`
	FecEncodingID string      `xml:"FEC-OTI-FEC-Encoding-ID,attr"`
	MaxSBL        string      `xml:"FEC-OTI-Maximum-Source-Block-Length,attr"`
	ESL           string      `xml:"FEC-OTI-Encoding-Symbol-Length,attr"`
	Files         []xmlFileIn `xml:"File"`
}

type xmlFileIn struct {
	Toi             string `xml:"TOI,attr"`
	ContentLocation string `xml:"Content-Location,attr"`
	ContentLength   string `xml:"Content-Length,attr"`
	TransferLength  string `xml:"Transfer-Length,attr"`
	ContentMD5      string `xml:"Content-MD5,attr"`
	ContentType     string `xml:"Content-Type,attr"`

	FecEncodingID   string `xml:"FEC-OTI-FEC-Encoding-ID,attr"`
	MaxSBL          string `xml:"FEC-OTI-Maximum-Source-Block-Length,attr"`
	ESL             string `xml:"FEC-OTI-Encoding-Symbol-Length,attr"`
	SymbolAlignment string `xml:"FEC-OTI-Symbol-Alignment-Parameter,attr"`
	NumSourceBlocks string `xml:"FEC-OTI-Number-Of-Source-Blocks,attr"`
	NumSubBlocks    string `xml:"FEC-OTI-Number-Of-Sub-Blocks,attr"`

	CacheControl *struct {
		Expires string `xml:"urn:3GPP:metadata:2007:MBMS:FLUTE:FDT Expires"`
	} `xml:"urn:3GPP:metadata:2007:MBMS:FLUTE:FDT Cache-Control"`
	Recover *struct {
		Deadline string `xml:"urn:3GPP:metadata:2007:MBMS:FLUTE:FDT Deadline"`
	} `xml:"urn:3GPP:metadata:2007:MBMS:FLUTE:FDT Recover"`
	Stream *struct {
		ID string `xml:"urn:3GPP:metadata:2007:MBMS:FLUTE:FDT Id"`
	} `xml:"urn:3GPP:metadata:2007:MBMS:FLUTE:FDT Stream"`
}

// Parse builds a table from serialized FDT XML. The instance id is not part
// of the XML; the caller passes the id recovered from EXT_FDT (or reuses
// the current one on a unicast re-fetch).
func Parse(instanceID uint32, buf []byte) (*FDT, error) {
	var in xmlInstanceIn
	if err := xml.Unmarshal(buf, &in); err != nil {
		return nil, errors.Wrap(ErrInvalidFDT, err.Error())
	}
	if in.Expires == "" {
		return nil, errors.Wrap(ErrInvalidFDT, "missing Expires attribute")
	}
	expires, err := strconv.ParseUint(in.Expires, 10, 64)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidFDT, "unparseable Expires attribute")
	}

	global := oti.FecOti{EncodingID: oti.CompactNoCode}
	if in.FecEncodingID != "" {
		v, err := strconv.ParseUint(in.FecEncodingID, 10, 8)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidFDT, "unparseable FEC-OTI-FEC-Encoding-ID")
		}
		global.EncodingID = oti.FecScheme(v)
	}
	if in.MaxSBL != "" {
		v, err := strconv.ParseUint(in.MaxSBL, 10, 32)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidFDT, "unparseable FEC-OTI-Maximum-Source-Block-Length")
		}
		global.MaxSourceBlockLength = uint32(v)
	}
	if in.ESL != "" {
		v, err := strconv.ParseUint(in.ESL, 10, 32)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidFDT, "unparseable FEC-OTI-Encoding-Symbol-Length")
		}
		global.EncodingSymbolLength = uint32(v)
	}

	f := &FDT{
		instanceID:   instanceID & instanceIDMask,
		globalFecOti: global,
		expires:      expires,
	}

	for _, file := range in.Files {
		fe, err := parseFileEntry(file, global)
		if err != nil {
			return nil, err
		}
		f.entries = append(f.entries, fe)
	}
	return f, nil
}

func parseFileEntry(file xmlFileIn, global oti.FecOti) (FileEntry, error) {
	if file.Toi == "" {
		return FileEntry{}, errors.Wrap(ErrInvalidFDT, "missing TOI attribute on File element")
	}
	toi, err := strconv.ParseUint(file.Toi, 10, 32)
	if err != nil {
		return FileEntry{}, errors.Wrap(ErrInvalidFDT, "unparseable TOI attribute")
	}
	if file.ContentLocation == "" {
		return FileEntry{}, errors.Wrap(ErrInvalidFDT, "missing Content-Location attribute on File element")
	}

	var contentLength uint64
	if file.ContentLength != "" {
		contentLength, err = strconv.ParseUint(file.ContentLength, 10, 64)
		if err != nil {
			return FileEntry{}, errors.Wrap(ErrInvalidFDT, "unparseable Content-Length attribute")
		}
	}
	transferLength := contentLength
	if file.TransferLength != "" {
		transferLength, err = strconv.ParseUint(file.TransferLength, 10, 64)
		if err != nil {
			return FileEntry{}, errors.Wrap(ErrInvalidFDT, "unparseable Transfer-Length attribute")
		}
	}

	fecOti := global
	fecOti.TransferLength = transferLength
	if file.FecEncodingID != "" {
		v, err := strconv.ParseUint(file.FecEncodingID, 10, 8)
		if err != nil {
			return FileEntry{}, errors.Wrap(ErrInvalidFDT, "unparseable per-file FEC-OTI-FEC-Encoding-ID")
		}
		fecOti.EncodingID = oti.FecScheme(v)
	}
	if file.MaxSBL != "" {
		v, err := strconv.ParseUint(file.MaxSBL, 10, 32)
		if err != nil {
			return FileEntry{}, errors.Wrap(ErrInvalidFDT, "unparseable per-file FEC-OTI-Maximum-Source-Block-Length")
		}
		fecOti.MaxSourceBlockLength = uint32(v)
	}
	if file.ESL != "" {
		v, err := strconv.ParseUint(file.ESL, 10, 32)
		if err != nil {
			return FileEntry{}, errors.Wrap(ErrInvalidFDT, "unparseable per-file FEC-OTI-Encoding-Symbol-Length")
		}
		fecOti.EncodingSymbolLength = uint32(v)
	}

	fe := FileEntry{
		Toi:             uint32(toi),
		ContentLocation: file.ContentLocation,
		ContentLength:   contentLength,
		ContentMD5:      file.ContentMD5,
		ContentType:     file.ContentType,
		FecOti:          fecOti,
	}

	if file.CacheControl != nil && file.CacheControl.Expires != "" {
		if v, err := strconv.ParseUint(file.CacheControl.Expires, 10, 64); err == nil {
			fe.Expires = v
		}
	}
	if file.Recover != nil && file.Recover.Deadline != "" {
		if v, err := strconv.ParseUint(file.Recover.Deadline, 10, 64); err == nil {
			fe.ShouldBeCompleteAt = v
		}
	}
	if file.Stream != nil && file.Stream.ID != "" {
		if v, err := strconv.ParseUint(file.Stream.ID, 10, 32); err == nil {
			fe.StreamID = uint32(v)
		}
	}

	if fecOti.EncodingID == oti.Raptor {
		attrs, err := parseRaptorAttributes(file, fecOti)
		if err != nil {
			return FileEntry{}, err
		}
		fe.Raptor = attrs
	}
	return fe, nil
}

func parseRaptorAttributes(file xmlFileIn, fecOti oti.FecOti) (*RaptorAttributes, error) {
	if file.NumSourceBlocks == "" {
		return nil, errors.Wrap(ErrInvalidFDT, "Raptor entry is missing FEC-OTI-Number-Of-Source-Blocks")
	}
	if file.NumSubBlocks == "" {
		return nil, errors.Wrap(ErrInvalidFDT, "Raptor entry is missing FEC-OTI-Number-Of-Sub-Blocks")
	}
	if file.SymbolAlignment == "" {
		return nil, errors.Wrap(ErrInvalidFDT, "Raptor entry is missing FEC-OTI-Symbol-Alignment-Parameter")
	}
	z, err := strconv.ParseUint(file.NumSourceBlocks, 10, 32)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidFDT, "unparseable FEC-OTI-Number-Of-Source-Blocks")
	}
	n, err := strconv.ParseUint(file.NumSubBlocks, 10, 32)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidFDT, "unparseable FEC-OTI-Number-Of-Sub-Blocks")
	}
	al, err := strconv.ParseUint(file.SymbolAlignment, 10, 32)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidFDT, "unparseable FEC-OTI-Symbol-Alignment-Parameter")
	}
	if al == 0 || fecOti.EncodingSymbolLength%uint32(al) != 0 {
		return nil, errors.Wrap(ErrInvalidFDT, "symbol size is not a multiple of the alignment parameter")
	}
	return &RaptorAttributes{
		NumSourceBlocks: uint32(z),
		NumSubBlocks:    uint32(n),
		SymbolAlignment: uint32(al),
	}, nil
}

// Serialize renders the table as FDT-Instance XML. Per-file attributes that
// equal the instance-level defaults are suppressed; when the table holds
// exactly one entry its OTI is promoted to the instance level.
func (f *FDT) Serialize() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	global := f.globalFecOti
	if len(f.entries) == 1 {
		global = f.entries[0].FecOti
	}

	out := xmlInstance{
		Expires:       strconv.FormatUint(f.expires, 10),
		FecEncodingID: uint8(global.EncodingID),
		MaxSBL:        global.MaxSourceBlockLength,
		ESL:           global.EncodingSymbolLength,
		XmlnsMbms2007: mbms2007,
	}

	for i := range f.entries {
		fe := &f.entries[i]
		file := xmlFile{
			Toi:             fe.Toi,
			ContentLocation: fe.ContentLocation,
			ContentLength:   fe.ContentLength,
			ContentMD5:      fe.ContentMD5,
			ContentType:     fe.ContentType,
		}
		if fe.FecOti.TransferLength != fe.ContentLength {
			tl := fe.FecOti.TransferLength
			file.TransferLength = &tl
		}
		if fe.FecOti.EncodingID != global.EncodingID {
			v := uint8(fe.FecOti.EncodingID)
			file.FecEncodingID = &v
		}
		if fe.FecOti.MaxSourceBlockLength != global.MaxSourceBlockLength {
			v := fe.FecOti.MaxSourceBlockLength
			file.MaxSBL = &v
		}
		if fe.FecOti.EncodingSymbolLength != global.EncodingSymbolLength {
			v := fe.FecOti.EncodingSymbolLength
			file.ESL = &v
		}
		if fe.Raptor != nil {
			al, z, n := fe.Raptor.SymbolAlignment, fe.Raptor.NumSourceBlocks, fe.Raptor.NumSubBlocks
			file.SymbolAlignment = &al
			file.NumSourceBlocks = &z
			file.NumSubBlocks = &n
		}
		file.CacheControl = &xmlCacheControl{Expires: fe.Expires}
		if fe.ShouldBeCompleteAt > 0 {
			file.Recover = &xmlRecover{Deadline: fe.ShouldBeCompleteAt}
		}
		if fe.StreamID > 0 {
			file.Stream = &xmlStream{ID: fe.StreamID}
		}
		out.Files = append(out.Files, file)
	}

	body, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal FDT")
	}
	var buf bytes.Buffer
	buf.WriteString("<?xml version=\"1.0\"?>\n")
	buf.Write(body)
	return buf.Bytes(), nil
}
