package transport

import (
	"io"
	"sync"
)

// Conn is the datagram seam the transmitter writes to and the receiver
// reads from. *net.UDPConn satisfies it; tests substitute an in-memory
// pipe, optionally lossy, in place of a real network.
type Conn interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// pipeConn is an in-memory datagram pipe with an unbounded FIFO queue.
type pipeConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool

	// DropFn, when set, decides per datagram whether to drop it on write.
	dropFn func(pkt []byte) bool
}

// Pipe creates an in-memory datagram channel: everything written to the
// sender side becomes readable on the receiver side. dropFn may be nil.
func Pipe(dropFn func(pkt []byte) bool) (sender Conn, receiver Conn) {
	p := &pipeConn{dropFn: dropFn}
	p.cond = sync.NewCond(&p.mu)
	return p, p
}

func (p *pipeConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.dropFn != nil && p.dropFn(b) {
		return len(b), nil
	}
	pkt := make([]byte, len(b))
	copy(pkt, b)
	p.queue = append(p.queue, pkt)
	p.cond.Signal()
	return len(b), nil
}

func (p *pipeConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return 0, io.EOF
	}
	pkt := p.queue[0]
	p.queue = p.queue[1:]
	n := copy(b, pkt)
	return n, nil
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}
