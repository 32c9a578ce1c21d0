// Package modbus implements the RTU and TCP transports, the client
// request/response engine, and the server dispatch loops for the standard
// Modbus coil/register function codes.
package modbus

import (
	"context"
	"sync"

	"github.com/commatea/modbus-core/pkg/logger"
	"github.com/commatea/modbus-core/pkg/metrics"
	"github.com/commatea/modbus-core/pkg/modbus/pdu"
	"golang.org/x/sync/semaphore"
)

// roundTripper is satisfied by RTUTransport and TCPTransport: send a PDU
// addressed to unit, return the response PDU's payload.
type roundTripper interface {
	RoundTrip(ctx context.Context, unit byte, reqPDU []byte, fn pdu.FunctionCode) ([]byte, error)
	Close() error
}

// Statistics is a snapshot of a Client's lifetime request counters and its
// most recent call's correlation ID (spec.md §4.10).
type Statistics struct {
	Requests      uint64
	Failures      uint64
	LastRequestID string
}

// Client is a Modbus request/response engine bound to one transport. Every
// public method serialises through a single-permit gate so exactly one
// frame is ever in flight (spec §5).
type Client struct {
	transport roundTripper
	gate      *semaphore.Weighted
	endpoint  string
	log       *logger.Logger

	mu    sync.Mutex
	stats Statistics
}

// NewClient wraps transport (an *RTUTransport or *TCPTransport) in a
// Client. endpoint labels the Prometheus series this client reports and
// the structured log lines each call emits.
func NewClient(transport roundTripper, endpoint string) *Client {
	return &Client{
		transport: transport,
		gate:      semaphore.NewWeighted(1),
		endpoint:  endpoint,
		log:       logger.Global(),
	}
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Stats returns a snapshot of this client's request/failure counters and
// the correlation ID of its most recently completed call (spec.md §4.10).
func (c *Client) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) exchange(ctx context.Context, unit byte, reqPDU []byte, fn pdu.FunctionCode) ([]byte, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, newError("client.exchange", KindNotConnected, err)
	}
	defer c.gate.Release(1)

	reqLog, reqID := c.log.WithRequestID()
	reqLog.Debug("modbus request", "endpoint", c.endpoint, "unit", unit, "function", fn.String())

	payload, err := c.transport.RoundTrip(ctx, unit, reqPDU, fn)
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusFailed
		c.recordFailure(err)
		reqLog.Warn("modbus request failed", "endpoint", c.endpoint, "function", fn.String(), "err", err)
	}
	metrics.IncRequest(c.endpoint, fn.String(), status)

	c.mu.Lock()
	c.stats.Requests++
	if err != nil {
		c.stats.Failures++
	}
	c.stats.LastRequestID = reqID
	c.mu.Unlock()

	return payload, err
}

func (c *Client) recordFailure(err error) {
	me, ok := err.(*Error)
	if !ok {
		return
	}
	switch me.Kind {
	case KindCRC:
		metrics.IncCRCError(c.endpoint)
	case KindTimeout:
		metrics.IncTimeout(c.endpoint)
	case KindProtocolException:
		if pe, ok := me.Err.(*pdu.ProtocolException); ok {
			metrics.IncException(c.endpoint, pe.Function.String(), pe.Code.String())
		}
	}
}

func checkCount(op string, count int) error {
	if count <= 0 || count > pdu.MaxRegisters {
		return argumentError(op, "register/coil count must be between 1 and 125")
	}
	return nil
}

// ReadHoldingRegisters reads count (≤125) holding registers starting at
// start, normalising legacy 4xxxx addressing.
func (c *Client) ReadHoldingRegisters(ctx context.Context, unit byte, start int, count int) ([]uint16, error) {
	const op = "client.ReadHoldingRegisters"
	if err := checkCount(op, count); err != nil {
		return nil, err
	}
	addr := pdu.NormalizeHoldingAddress(start)
	req, err := pdu.BuildReadRequest(pdu.ReadHoldingRegister, addr, uint16(count))
	if err != nil {
		return nil, argumentError(op, err.Error())
	}
	payload, err := c.exchange(ctx, unit, req, pdu.ReadHoldingRegister)
	if err != nil {
		return nil, err
	}
	data, err := pdu.ParseReadResponse(payload, 2*count)
	if err != nil {
		return nil, newError(op, KindUnsupported, err)
	}
	return pdu.ParseRegisters(data)
}

// ReadInputRegisters reads count (≤125) input registers starting at start,
// normalising legacy 3xxxx addressing.
func (c *Client) ReadInputRegisters(ctx context.Context, unit byte, start int, count int) ([]uint16, error) {
	const op = "client.ReadInputRegisters"
	if err := checkCount(op, count); err != nil {
		return nil, err
	}
	addr := pdu.NormalizeInputAddress(start)
	req, err := pdu.BuildReadRequest(pdu.ReadInputRegister, addr, uint16(count))
	if err != nil {
		return nil, argumentError(op, err.Error())
	}
	payload, err := c.exchange(ctx, unit, req, pdu.ReadInputRegister)
	if err != nil {
		return nil, err
	}
	data, err := pdu.ParseReadResponse(payload, 2*count)
	if err != nil {
		return nil, newError(op, KindUnsupported, err)
	}
	return pdu.ParseRegisters(data)
}

// ReadHoldingRegistersFloat reads floatCount IEEE-754 floats (2 registers
// each, low word first) starting at start.
func (c *Client) ReadHoldingRegistersFloat(ctx context.Context, unit byte, start int, floatCount int) ([]float32, error) {
	const op = "client.ReadHoldingRegistersFloat"
	regs, err := c.ReadHoldingRegisters(ctx, unit, start, floatCount*2)
	if err != nil {
		return nil, err
	}
	out := make([]float32, floatCount)
	for i := range out {
		out[i] = pdu.DecodeFloat32(regs[2*i:2*i+2], pdu.LowWordFirst)
	}
	return out, nil
}

// ReadCoils reads coilCount (≤125) coils starting at start.
func (c *Client) ReadCoils(ctx context.Context, unit byte, start int, coilCount int) ([]bool, error) {
	const op = "client.ReadCoils"
	if err := checkCount(op, coilCount); err != nil {
		return nil, err
	}
	req, err := pdu.BuildReadRequest(pdu.ReadCoil, uint16(start), uint16(coilCount))
	if err != nil {
		return nil, argumentError(op, err.Error())
	}
	payload, err := c.exchange(ctx, unit, req, pdu.ReadCoil)
	if err != nil {
		return nil, err
	}
	expectedBytes := (coilCount + 7) / 8
	data, err := pdu.ParseReadResponse(payload, expectedBytes)
	if err != nil {
		return nil, newError(op, KindUnsupported, err)
	}
	return pdu.UnpackCoils(data, coilCount), nil
}

// WriteHoldingRegister writes a single holding register, normalising
// legacy 4xxxx addressing.
func (c *Client) WriteHoldingRegister(ctx context.Context, unit byte, register int, value uint16) error {
	const op = "client.WriteHoldingRegister"
	addr := pdu.NormalizeHoldingAddress(register)
	req := pdu.BuildWriteRegisterRequest(addr, value)
	payload, err := c.exchange(ctx, unit, req, pdu.WriteRegister)
	if err != nil {
		return err
	}
	_, err = pdu.ParseWriteRegisterResponse(payload, addr)
	if err != nil {
		return newError(op, KindUnsupported, err)
	}
	return nil
}

// WriteHoldingRegisters writes a non-empty sequence of holding registers
// starting at start.
func (c *Client) WriteHoldingRegisters(ctx context.Context, unit byte, start int, values []uint16) error {
	const op = "client.WriteHoldingRegisters"
	if len(values) == 0 {
		return argumentError(op, "values must not be empty")
	}
	if err := checkCount(op, len(values)); err != nil {
		return err
	}
	addr := pdu.NormalizeHoldingAddress(start)
	req, err := pdu.BuildWriteMultipleRegistersRequest(addr, values)
	if err != nil {
		return argumentError(op, err.Error())
	}
	payload, err := c.exchange(ctx, unit, req, pdu.WriteMultipleRegisters)
	if err != nil {
		return err
	}
	if err := pdu.ParseWriteMultipleResponse(payload, addr, len(values)); err != nil {
		return newError(op, KindUnsupported, err)
	}
	return nil
}

// WriteCoil writes a single coil.
func (c *Client) WriteCoil(ctx context.Context, unit byte, register int, on bool) error {
	const op = "client.WriteCoil"
	req := pdu.BuildWriteCoilRequest(uint16(register), on)
	payload, err := c.exchange(ctx, unit, req, pdu.WriteCoil)
	if err != nil {
		return err
	}
	if _, err := pdu.ParseWriteCoilResponse(payload, uint16(register)); err != nil {
		return newError(op, KindUnsupported, err)
	}
	return nil
}

// WriteMultipleCoils writes a non-empty sequence of coils starting at
// start.
func (c *Client) WriteMultipleCoils(ctx context.Context, unit byte, start int, values []bool) error {
	const op = "client.WriteMultipleCoils"
	if len(values) == 0 {
		return argumentError(op, "values must not be empty")
	}
	if err := checkCount(op, len(values)); err != nil {
		return err
	}
	req, err := pdu.BuildWriteMultipleCoilsRequest(uint16(start), values)
	if err != nil {
		return argumentError(op, err.Error())
	}
	payload, err := c.exchange(ctx, unit, req, pdu.WriteMultipleCoils)
	if err != nil {
		return err
	}
	if err := pdu.ParseWriteMultipleResponse(payload, uint16(start), len(values)); err != nil {
		return newError(op, KindUnsupported, err)
	}
	return nil
}
