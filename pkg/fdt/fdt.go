// Package fdt models the File Delivery Table: the XML manifest of the
// objects in flight within a FLUTE session, itself delivered as TOI 0.
package fdt

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/idlab-discover/5GBDash/pkg/oti"
)

// ErrInvalidFDT wraps every FDT parse failure.
var ErrInvalidFDT = errors.New("invalid FDT")

// instanceIDMask keeps the instance id within its 20-bit wire field.
const instanceIDMask = (1 << 20) - 1

// RaptorAttributes are the per-file attributes a Raptor entry carries in
// addition to the common OTI.
type RaptorAttributes struct {
	NumSourceBlocks uint32
	NumSubBlocks    uint32
	SymbolAlignment uint32
}

// FileEntry is one File record of the table.
type FileEntry struct {
	Toi                uint32
	StreamID           uint32
	ContentLocation    string
	ContentLength      uint64
	ContentMD5         string
	ContentType        string
	Expires            uint64 // unix seconds
	ShouldBeCompleteAt uint64 // ms since epoch, zero means no deadline
	FecOti             oti.FecOti
	Raptor             *RaptorAttributes
}

// TransferLength returns the entry's transfer length, defaulting to the
// content length when the attribute was absent.
func (fe *FileEntry) TransferLength() uint64 {
	if fe.FecOti.TransferLength > 0 {
		return fe.FecOti.TransferLength
	}
	return fe.ContentLength
}

// FDT is the in-memory table. All exported methods are safe for concurrent
// use; the enclosing transmitter or receiver additionally serializes
// structural changes under its own files lock.
type FDT struct {
	mu           sync.Mutex
	instanceID   uint32
	globalFecOti oti.FecOti
	expires      uint64 // NTP seconds
	entries      []FileEntry
}

func New(instanceID uint32, globalFecOti oti.FecOti) *FDT {
	return &FDT{
		instanceID:   instanceID & instanceIDMask,
		globalFecOti: globalFecOti,
	}
}

func (f *FDT) InstanceID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instanceID
}

func (f *FDT) GlobalFecOti() oti.FecOti {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.globalFecOti
}

// SetExpires stamps the table expiry in NTP seconds.
func (f *FDT) SetExpires(ntpSeconds uint64) {
	f.mu.Lock()
	f.expires = ntpSeconds
	f.mu.Unlock()
}

func (f *FDT) Expires() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expires
}

// Add appends an entry and bumps the instance id.
func (f *FDT) Add(fe FileEntry) {
	f.mu.Lock()
	f.instanceID = (f.instanceID + 1) & instanceIDMask
	f.entries = append(f.entries, fe)
	f.mu.Unlock()
}

// Remove drops every entry with the given TOI and bumps the instance id.
func (f *FDT) Remove(toi uint32) {
	f.mu.Lock()
	dst := f.entries[:0]
	for _, fe := range f.entries {
		if fe.Toi != toi {
			dst = append(dst, fe)
		}
	}
	f.entries = dst
	f.instanceID = (f.instanceID + 1) & instanceIDMask
	f.mu.Unlock()
}

func (f *FDT) FileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// FileEntries returns a copy of the current entries.
func (f *FDT) FileEntries() []FileEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FileEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

// Entry looks up the entry for a TOI.
func (f *FDT) Entry(toi uint32) (FileEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fe := range f.entries {
		if fe.Toi == toi {
			return fe, true
		}
	}
	return FileEntry{}, false
}
