package modbus

import (
	"context"
	"time"

	"github.com/commatea/modbus-core/pkg/modbus/crc"
	"github.com/commatea/modbus-core/pkg/modbus/pdu"
	"github.com/commatea/modbus-core/pkg/serialport"
)

// RTUTransport frames PDUs over a serial port: prepend unit address, append
// CRC on send; size-from-header receive on read.
type RTUTransport struct {
	port       serialport.Port
	txEnable   serialport.DigitalOutput
	postWrite  func()
	timeout    time.Duration
	recvBuffer []byte
}

// RTUOption configures an RTUTransport at construction.
type RTUOption func(*RTUTransport)

// WithTxEnable installs an RS-485 transmit-enable line, asserted before a
// write and deasserted after.
func WithTxEnable(out serialport.DigitalOutput) RTUOption {
	return func(t *RTUTransport) { t.txEnable = out }
}

// WithPostWriteHook installs a callback invoked immediately after a frame
// is written, before TX-enable is deasserted — used for transceivers that
// need extra drain time before releasing the bus.
func WithPostWriteHook(hook func()) RTUOption {
	return func(t *RTUTransport) { t.postWrite = hook }
}

// WithRTUTimeout sets the per-exchange receive timeout (default 5s).
func WithRTUTimeout(d time.Duration) RTUOption {
	return func(t *RTUTransport) { t.timeout = d }
}

// NewRTUTransport wraps port with CRC framing. If no DigitalOutput is
// supplied via WithTxEnable, a serialport.NoOutput{} is used.
func NewRTUTransport(port serialport.Port, opts ...RTUOption) *RTUTransport {
	t := &RTUTransport{
		port:       port,
		txEnable:   serialport.NoOutput{},
		timeout:    5 * time.Second,
		recvBuffer: make([]byte, 256),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip sends reqPDU addressed to unit and returns the response PDU's
// payload (the bytes between the function code and the CRC), or an error.
func (t *RTUTransport) RoundTrip(ctx context.Context, unit byte, reqPDU []byte, fn pdu.FunctionCode) ([]byte, error) {
	const op = "rtu.RoundTrip"

	if err := t.port.ClearReadBuffer(); err != nil {
		return nil, newError(op, KindConnectionLost, err)
	}

	frame := make([]byte, 1+len(reqPDU)+2)
	frame[0] = unit
	copy(frame[1:], reqPDU)
	crc.Fill(frame)

	if err := t.writeFrame(frame); err != nil {
		return nil, newError(op, KindConnectionLost, err)
	}

	respFrame, err := t.readFrame(ctx, fn)
	if err != nil {
		return nil, err
	}

	payload := respFrame[2 : len(respFrame)-2]
	respFn := pdu.FunctionCode(respFrame[1])
	if respFn.IsException() {
		return nil, protocolExceptionError(op, fn, pdu.ErrorCode(payload[0]))
	}
	return payload, nil
}

func (t *RTUTransport) writeFrame(frame []byte) error {
	if err := t.txEnable.Set(true); err != nil {
		return err
	}
	defer t.txEnable.Set(false)

	if _, err := t.port.Write(frame); err != nil {
		return err
	}
	if t.postWrite != nil {
		t.postWrite()
	}
	return nil
}

// readFrame implements the size-from-header receive strategy (spec §4.3):
// read a 3-byte header, use the expected function code to compute the
// total frame length, read the remainder, and verify the CRC.
func (t *RTUTransport) readFrame(ctx context.Context, fn pdu.FunctionCode) ([]byte, error) {
	const op = "rtu.readFrame"
	deadline := time.Now().Add(t.timeout)

	header := make([]byte, 3)
	if err := t.readFull(ctx, header, deadline); err != nil {
		t.port.ClearReadBuffer()
		return nil, err
	}

	respFn := pdu.FunctionCode(header[1])

	var total int
	switch {
	case respFn.IsException():
		total = 3 + 2
	case fn == pdu.ReportID:
		lengthByte := int(header[2])
		total = 3 + lengthByte + 1 + 2
	case isReadFunction(fn):
		lengthByte := int(header[2])
		total = 3 + lengthByte + 2
	default:
		total = 8
	}

	frame := make([]byte, total)
	copy(frame, header)
	if err := t.readFull(ctx, frame[3:], deadline); err != nil {
		t.port.ClearReadBuffer()
		return nil, err
	}

	if !crc.Verify(frame) {
		actual := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
		expected := crc.Compute(frame[:len(frame)-2])
		t.port.ClearReadBuffer()
		return nil, crcError(op, expected, actual, frame)
	}

	return frame, nil
}

func isReadFunction(fn pdu.FunctionCode) bool {
	switch fn {
	case pdu.ReadCoil, pdu.ReadDiscrete, pdu.ReadHoldingRegister, pdu.ReadInputRegister:
		return true
	default:
		return false
	}
}

// readFull reads exactly len(buf) bytes, respecting ctx cancellation and
// the per-exchange deadline, accumulating across short reads.
func (t *RTUTransport) readFull(ctx context.Context, buf []byte, deadline time.Time) error {
	const op = "rtu.readFull"
	n := 0
	for n < len(buf) {
		if time.Now().After(deadline) {
			return newError(op, KindTimeout, nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return newError(op, KindTimeout, nil)
		}
		t.port.SetReadTimeout(remaining)

		m, err := t.port.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// Close releases the underlying serial port.
func (t *RTUTransport) Close() error {
	return t.port.Close()
}
