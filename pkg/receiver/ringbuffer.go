package receiver

import "github.com/idlab-discover/5GBDash/pkg/alc"

// ringBuffer is a bounded FIFO of parsed ALC packets. The caller provides
// the locking; the receiver keeps one buffer for dispatch and one for
// packets whose TOI is not announced yet.
type ringBuffer struct {
	packets  []*alc.Packet
	capacity int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{capacity: capacity}
}

func (r *ringBuffer) Len() int   { return len(r.packets) }
func (r *ringBuffer) Full() bool { return len(r.packets) >= r.capacity }

// PushBack appends a packet; it reports false when the buffer is full.
func (r *ringBuffer) PushBack(pkt *alc.Packet) bool {
	if r.Full() {
		return false
	}
	r.packets = append(r.packets, pkt)
	return true
}

// PushBackEvict appends a packet, evicting the oldest when full.
func (r *ringBuffer) PushBackEvict(pkt *alc.Packet) {
	if r.Full() {
		r.packets = r.packets[1:]
	}
	r.packets = append(r.packets, pkt)
}

// PopFront removes and returns the oldest packet, nil when empty.
func (r *ringBuffer) PopFront() *alc.Packet {
	if len(r.packets) == 0 {
		return nil
	}
	pkt := r.packets[0]
	r.packets = r.packets[1:]
	return pkt
}

// Front returns the oldest packet without removing it.
func (r *ringBuffer) Front() *alc.Packet {
	if len(r.packets) == 0 {
		return nil
	}
	return r.packets[0]
}

// Snapshot copies the current contents for lock-free iteration by the
// caller after release.
func (r *ringBuffer) Snapshot() []*alc.Packet {
	out := make([]*alc.Packet, len(r.packets))
	copy(out, r.packets)
	return out
}
