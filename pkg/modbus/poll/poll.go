// Package poll implements the polled-device engine: a ticker that keeps
// typed mirror fields in sync with a remote device's holding registers
// (spec §4.8).
package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/commatea/modbus-core/pkg/logger"
	"github.com/commatea/modbus-core/pkg/metrics"
	"github.com/commatea/modbus-core/pkg/modbus"
	"github.com/commatea/modbus-core/pkg/modbus/pdu"
)

// SourceFormat selects how a mapping's raw register window is
// reinterpreted when no custom decode function is supplied.
type SourceFormat int

const (
	BigEndianInteger SourceFormat = iota
	LittleEndianInteger
	BigEndianFloat
	LittleEndianFloat
)

// Decoder turns a raw register window into a value to assign to a
// mapping's target. Custom decoders bypass scale/offset and width rules.
type Decoder func(registers []uint16) (any, error)

// Sink receives a mapping's decoded value.
type Sink func(value any)

// Mapping declares one contiguous register range and how to project it
// onto a typed mirror field.
type Mapping struct {
	Name          string
	Start         int
	RegisterCount int // 1, 2, or 4 when Decode is nil
	Format        SourceFormat
	Scale         float64 // applied to integer conversions only, after Decode if nil
	Offset        float64 // applied after Scale
	Decode        Decoder // if set, overrides Format/Scale/Offset; RegisterCount (1 if zero) still sets how many registers are read
	Sink          Sink
}

func (m Mapping) validate() error {
	if m.Decode != nil {
		return nil
	}
	switch m.RegisterCount {
	case 1, 2, 4:
	default:
		return fmt.Errorf("poll: mapping %q has register count %d, want 1, 2, or 4", m.Name, m.RegisterCount)
	}
	return nil
}

func (m Mapping) decode(registers []uint16) (any, error) {
	if m.Decode != nil {
		return m.Decode(registers)
	}

	order := pdu.HighWordFirst
	floatOrder := pdu.HighWordFirst
	switch m.Format {
	case LittleEndianInteger:
		order = pdu.LowWordFirst
	case LittleEndianFloat:
		floatOrder = pdu.LowWordFirst
	}

	switch m.Format {
	case BigEndianFloat, LittleEndianFloat:
		switch m.RegisterCount {
		case 2:
			return float64(pdu.DecodeFloat32(registers, floatOrder)), nil
		case 4:
			return pdu.DecodeFloat64(registers, floatOrder), nil
		default:
			return nil, fmt.Errorf("poll: mapping %q: floats need 2 or 4 registers, got %d", m.Name, m.RegisterCount)
		}
	default:
		var raw int64
		switch m.RegisterCount {
		case 1:
			raw = int64(pdu.DecodeInt16(registers))
		case 2:
			raw = int64(pdu.DecodeInt32(registers, order))
		case 4:
			raw = pdu.DecodeInt64(registers, order)
		}
		value := float64(raw)*scaleOrOne(m.Scale) + m.Offset
		return value, nil
	}
}

func scaleOrOne(scale float64) float64 {
	if scale == 0 {
		return 1
	}
	return scale
}

// Device polls one unit's holding registers on a timer, refreshing every
// registered Mapping in order.
type Device struct {
	client *modbus.Client
	unit   byte
	period time.Duration
	log    *logger.Logger
	name   string

	mappingMu sync.Mutex
	mappings  []Mapping

	stop chan struct{}
	done chan struct{}
}

// DefaultPeriod is the spec's default poll interval.
const DefaultPeriod = 5 * time.Second

// MinPeriod is the floor enforced between ticks regardless of how fast a
// pass completes.
const MinPeriod = 100 * time.Millisecond

// NewDevice creates a polled device bound to client/unit. period is
// clamped to MinPeriod if smaller; zero selects DefaultPeriod.
func NewDevice(client *modbus.Client, unit byte, name string, period time.Duration, log *logger.Logger) *Device {
	if period == 0 {
		period = DefaultPeriod
	}
	if period < MinPeriod {
		period = MinPeriod
	}
	if log == nil {
		log = logger.Global()
	}
	return &Device{client: client, unit: unit, period: period, log: log, name: name}
}

// Register adds a mapping to the end of the poll order. Safe to call while
// polling is running; a mapping only takes effect starting the next tick.
func (d *Device) Register(m Mapping) error {
	if err := m.validate(); err != nil {
		return err
	}
	d.mappingMu.Lock()
	defer d.mappingMu.Unlock()
	d.mappings = append(d.mappings, m)
	return nil
}

// StartPolling launches the ticker loop in a new goroutine.
func (d *Device) StartPolling(ctx context.Context) {
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(ctx)
}

// StopPolling signals the loop to exit and waits for it to finish.
func (d *Device) StopPolling() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	<-d.done
}

func (d *Device) run(ctx context.Context) {
	defer close(d.done)
	timer := time.NewTimer(d.period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-timer.C:
			start := time.Now()
			d.tick(ctx)
			elapsed := time.Since(start)
			metrics.ObservePollTick(d.name, elapsed.Seconds())

			next := d.period - elapsed
			if next < MinPeriod {
				next = MinPeriod
			}
			timer.Reset(next)
		}
	}
}

// tick runs one pass over every registered mapping, aborting early (but
// not unregistering anything) on the first failed read, timeout or otherwise.
func (d *Device) tick(ctx context.Context) {
	d.mappingMu.Lock()
	mappings := append([]Mapping(nil), d.mappings...)
	d.mappingMu.Unlock()

	for _, m := range mappings {
		count := m.RegisterCount
		if m.Decode != nil && count == 0 {
			count = 1
		}
		regs, err := d.client.ReadHoldingRegisters(ctx, d.unit, m.Start, count)
		if err != nil {
			d.log.Warn("poll tick aborted", "device", d.name, "mapping", m.Name, "err", err)
			return
		}
		value, err := m.decode(regs)
		if err != nil {
			d.log.Error("poll mapping decode failed", "device", d.name, "mapping", m.Name, "err", err)
			continue
		}
		if m.Sink != nil {
			m.Sink(value)
		}
	}
}

// WriteHoldingRegister delegates to the bound client, reusing its gate.
func (d *Device) WriteHoldingRegister(ctx context.Context, register int, value uint16) error {
	return d.client.WriteHoldingRegister(ctx, d.unit, register, value)
}

// WriteHoldingRegisters delegates to the bound client, reusing its gate.
func (d *Device) WriteHoldingRegisters(ctx context.Context, start int, values []uint16) error {
	return d.client.WriteHoldingRegisters(ctx, d.unit, start, values)
}
