// Package serialport provides the serial-port collaborator the RTU
// transport frames against: open/close, byte-oriented read/write with
// timeouts, and line parameters (baud, data bits, parity, stop bits).
package serialport

import "time"

// Parity selects the serial line parity setting.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// StopBits selects the number of stop bits on the serial line.
type StopBits int

const (
	StopBits1 StopBits = iota
	StopBits1Half
	StopBits2
)

// Config describes how to open a serial port.
type Config struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits

	// ReadTimeout bounds how long Read blocks waiting for the first byte
	// of a response; zero selects a 1-second timeout when the port is opened.
	ReadTimeout time.Duration
}

// DefaultConfig returns the common 8-N-1 line settings at 9600 baud.
func DefaultConfig(device string) Config {
	return Config{
		Device:      device,
		BaudRate:    9600,
		DataBits:    8,
		Parity:      ParityNone,
		StopBits:    StopBits1,
		ReadTimeout: 1 * time.Second,
	}
}

// Port is the byte-stream collaborator the RTU framer reads and writes
// against. Implementations need not be safe for concurrent use; the client
// engine's single-permit gate guarantees only one transaction is in flight.
type Port interface {
	// Open opens the underlying device. Open on an already-open Port is
	// a no-op.
	Open() error

	// Close releases the underlying device.
	Close() error

	// IsOpen reports whether Open has succeeded and Close has not yet
	// been called.
	IsOpen() bool

	// Read reads up to len(buf) bytes, blocking until at least one byte
	// arrives, ReadTimeout elapses, or the port is closed.
	Read(buf []byte) (int, error)

	// Write writes all of buf to the port.
	Write(buf []byte) (int, error)

	// ClearReadBuffer discards any bytes currently buffered but not yet
	// read, used before sending a new request so a stale partial
	// response can't be mistaken for the new one.
	ClearReadBuffer() error

	// SetReadTimeout changes the timeout applied to subsequent Read
	// calls.
	SetReadTimeout(d time.Duration) error
}

// DigitalOutput drives an auxiliary line such as an RS-485 transceiver's
// transmit-enable pin. Set(true) is called immediately before a write and
// Set(false) immediately after, so half-duplex transceivers release the bus
// as soon as the frame is sent.
type DigitalOutput interface {
	Set(on bool) error
}

// NoOutput is the null-object DigitalOutput for ports that need no
// transmit-enable control, such as a full-duplex USB-serial adapter.
type NoOutput struct{}

// Set is a no-op.
func (NoOutput) Set(on bool) error { return nil }
