package serialport

import (
	"io"
	"sync"
	"time"
)

// Loopback is an in-memory Port for tests: bytes written with Write become
// readable by a paired Loopback's Read, like a null-modem cable. Build a
// connected pair with NewLoopbackPair.
type Loopback struct {
	mu     sync.Mutex
	open   bool
	peerWr chan byte
	ownRd  chan byte
	timeout time.Duration
}

// NewLoopbackPair returns two Loopback ports wired to each other: bytes
// written to a are read from b and vice versa.
func NewLoopbackPair() (a, b *Loopback) {
	c1 := make(chan byte, 4096)
	c2 := make(chan byte, 4096)
	a = &Loopback{peerWr: c1, ownRd: c2, timeout: time.Second}
	b = &Loopback{peerWr: c2, ownRd: c1, timeout: time.Second}
	return a, b
}

func (l *Loopback) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = true
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
	return nil
}

func (l *Loopback) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *Loopback) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	l.mu.Lock()
	timeout := l.timeout
	l.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = time.After(timeout)
	}

	select {
	case b := <-l.ownRd:
		buf[0] = b
	case <-deadline:
		return 0, io.ErrNoProgress
	}

	// Once the first byte has arrived, keep waiting briefly for the rest
	// of the in-flight write so callers that size buf to a known frame
	// length get it in one Read, like a real UART's receive buffer.
	n := 1
	fillDeadline := time.After(20 * time.Millisecond)
	for n < len(buf) {
		select {
		case b := <-l.ownRd:
			buf[n] = b
			n++
		case <-fillDeadline:
			return n, nil
		}
	}
	return n, nil
}

func (l *Loopback) Write(buf []byte) (int, error) {
	for _, b := range buf {
		l.peerWr <- b
	}
	return len(buf), nil
}

func (l *Loopback) ClearReadBuffer() error {
	for {
		select {
		case <-l.ownRd:
		default:
			return nil
		}
	}
}

func (l *Loopback) SetReadTimeout(d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = d
	return nil
}
