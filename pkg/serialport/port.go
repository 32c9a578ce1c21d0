package serialport

import (
	"fmt"
	"sync"
	"time"

	goserial "go.bug.st/serial"
)

// realPort binds Port to a real OS serial device via go.bug.st/serial.
type realPort struct {
	mu     sync.Mutex
	config Config
	port   goserial.Port
}

// Open returns a Port bound to config, not yet connected to the device.
func Open(config Config) Port {
	return &realPort{config: config}
}

func (p *realPort) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		return nil
	}

	mode := &goserial.Mode{
		BaudRate: p.config.BaudRate,
		DataBits: p.config.DataBits,
		Parity:   parity(p.config.Parity),
		StopBits: stopBits(p.config.StopBits),
	}

	port, err := goserial.Open(p.config.Device, mode)
	if err != nil {
		return fmt.Errorf("serialport: open %s: %w", p.config.Device, err)
	}

	timeout := p.config.ReadTimeout
	if timeout == 0 {
		timeout = 1 * time.Second
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return fmt.Errorf("serialport: set read timeout: %w", err)
	}

	p.port = port
	return nil
}

func (p *realPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

func (p *realPort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port != nil
}

func (p *realPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	if port == nil {
		return 0, fmt.Errorf("serialport: %s not open", p.config.Device)
	}
	return port.Read(buf)
}

func (p *realPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	if port == nil {
		return 0, fmt.Errorf("serialport: %s not open", p.config.Device)
	}
	return port.Write(buf)
}

func (p *realPort) ClearReadBuffer() error {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	if port == nil {
		return fmt.Errorf("serialport: %s not open", p.config.Device)
	}
	return port.ResetInputBuffer()
}

func (p *realPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.ReadTimeout = d
	if p.port == nil {
		return nil
	}
	return p.port.SetReadTimeout(d)
}

func parity(v Parity) goserial.Parity {
	switch v {
	case ParityOdd:
		return goserial.OddParity
	case ParityEven:
		return goserial.EvenParity
	default:
		return goserial.NoParity
	}
}

func stopBits(v StopBits) goserial.StopBits {
	switch v {
	case StopBits1Half:
		return goserial.OnePointFiveStopBits
	case StopBits2:
		return goserial.TwoStopBits
	default:
		return goserial.OneStopBit
	}
}
