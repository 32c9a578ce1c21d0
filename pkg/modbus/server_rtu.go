package modbus

import (
	"sync"
	"time"

	"github.com/commatea/modbus-core/pkg/logger"
	"github.com/commatea/modbus-core/pkg/metrics"
	"github.com/commatea/modbus-core/pkg/modbus/crc"
	"github.com/commatea/modbus-core/pkg/modbus/pdu"
	"github.com/commatea/modbus-core/pkg/serialport"
)

// ReadHandler answers a read request for count items starting at start.
type ReadHandler func(unit byte, start uint16, count uint16) ([]uint16, error)

// WriteRegisterHandler answers a single-register write.
type WriteRegisterHandler func(unit byte, addr uint16, value uint16) error

// WriteRegistersHandler answers a multi-register write.
type WriteRegistersHandler func(unit byte, start uint16, values []uint16) error

// RTUServer dispatches inbound RTU frames to registered handlers. It
// implements the Idle→Listening→Reading→Validating→Dispatching→Responding
// state machine (spec §4.6) as a single blocking loop driven by Serve.
type RTUServer struct {
	port serialport.Port
	log  *logger.Logger

	mu               sync.RWMutex
	readHoldingFn    ReadHandler
	readInputFn      ReadHandler
	writeRegisterFn  WriteRegisterHandler
	writeRegistersFn WriteRegistersHandler

	stop chan struct{}
}

// NewRTUServer binds a server to port. Handlers are registered with the
// RegisterX methods before calling Serve.
func NewRTUServer(port serialport.Port, log *logger.Logger) *RTUServer {
	if log == nil {
		log = logger.Global()
	}
	return &RTUServer{port: port, log: log, stop: make(chan struct{})}
}

// RegisterReadHoldingRegisters installs the handler for function code 3.
func (s *RTUServer) RegisterReadHoldingRegisters(fn ReadHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readHoldingFn = fn
}

// RegisterReadInputRegisters installs the handler for function code 4.
func (s *RTUServer) RegisterReadInputRegisters(fn ReadHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readInputFn = fn
}

// RegisterWriteRegister installs the handler for function code 6.
func (s *RTUServer) RegisterWriteRegister(fn WriteRegisterHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRegisterFn = fn
}

// RegisterWriteRegisters installs the handler for function code 16.
func (s *RTUServer) RegisterWriteRegisters(fn WriteRegistersHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRegistersFn = fn
}

// Stop signals Serve to exit after its current iteration.
func (s *RTUServer) Stop() {
	close(s.stop)
}

// Serve blocks, reading and dispatching frames until Stop is called.
func (s *RTUServer) Serve() error {
	if err := s.port.Open(); err != nil {
		return newError("server_rtu.Serve", KindConnectionLost, err)
	}
	s.port.SetReadTimeout(100 * time.Millisecond)

	for {
		select {
		case <-s.stop:
			return s.port.Close()
		default:
		}

		frame, ok := s.receiveFrame()
		if !ok {
			continue // timed out waiting for the next frame byte
		}

		if !crc.Verify(frame) {
			metrics.IncCRCError("rtu-server")
			s.log.Warn("rtu server discarded frame with bad crc", "frame", frame)
			continue // spec §4.6: CRC failure emits no response, only an event
		}

		s.dispatch(frame)
	}
}

// receiveFrame reads one complete request frame. Request PDUs are either
// fixed-length (reads, single writes) or reveal their length in a register
// count field (WriteMultipleRegisters), so the header is read first and the
// tail length decided from it.
func (s *RTUServer) receiveFrame() ([]byte, bool) {
	header := make([]byte, 3)
	if err := s.readFull(header); err != nil {
		return nil, false
	}

	fn := pdu.FunctionCode(header[1])
	if fn != pdu.WriteMultipleRegisters {
		frame := make([]byte, 8)
		copy(frame, header)
		if err := s.readFull(frame[3:]); err != nil {
			return nil, false
		}
		return frame, true
	}

	// header = [addr][fn][addrHi]; read addrLo, countHi, countLo next.
	rest := make([]byte, 3)
	if err := s.readFull(rest); err != nil {
		return nil, false
	}
	count := int(rest[1])<<8 | int(rest[2])
	total := 7 + 2*count + 2 // addr+fn+addr(2)+count(2)+byteCount(1) + data + crc(2)
	frame := make([]byte, total)
	copy(frame, header)
	copy(frame[3:6], rest)
	if err := s.readFull(frame[6:]); err != nil {
		return nil, false
	}
	return frame, true
}

func (s *RTUServer) readFull(buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := s.port.Read(buf[n:])
		if err != nil {
			return err
		}
		if m == 0 {
			return errShortRead
		}
		n += m
	}
	return nil
}

var errShortRead = &shortReadError{}

type shortReadError struct{}

func (e *shortReadError) Error() string { return "modbus: rtu server read timed out mid-frame" }

// dispatch invokes the registered handler for frame's function code and
// writes the response, or an IllegalFunction exception for anything
// unrecognised.
func (s *RTUServer) dispatch(frame []byte) {
	unit := frame[0]
	fn := pdu.FunctionCode(frame[1])
	pduBytes := frame[1 : len(frame)-2]

	var resp []byte
	switch fn {
	case pdu.ReadHoldingRegister:
		resp = s.dispatchRead(unit, pduBytes, fn, s.getReadHoldingFn())
	case pdu.ReadInputRegister:
		resp = s.dispatchRead(unit, pduBytes, fn, s.getReadInputFn())
	case pdu.WriteRegister:
		resp = s.dispatchWriteRegister(unit, pduBytes)
	case pdu.WriteMultipleRegisters:
		resp = s.dispatchWriteRegisters(unit, pduBytes)
	default:
		resp = exceptionResponsePDU(fn, pdu.IllegalFunction)
	}

	out := make([]byte, 1+len(resp)+2)
	out[0] = unit
	copy(out[1:], resp)
	crc.Fill(out)
	s.port.Write(out)
}

func (s *RTUServer) getReadHoldingFn() ReadHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readHoldingFn
}

func (s *RTUServer) getReadInputFn() ReadHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readInputFn
}

func (s *RTUServer) dispatchRead(unit byte, reqPDU []byte, fn pdu.FunctionCode, handler ReadHandler) []byte {
	if handler == nil || len(reqPDU) != 5 {
		return exceptionResponsePDU(fn, pdu.IllegalFunction)
	}
	start := uint16(reqPDU[1])<<8 | uint16(reqPDU[2])
	count := uint16(reqPDU[3])<<8 | uint16(reqPDU[4])
	values, err := handler(unit, start, count)
	if err != nil {
		return exceptionResponsePDU(fn, pdu.IllegalDataAddress)
	}
	data := make([]byte, 2*len(values))
	for i, v := range values {
		data[2*i] = byte(v >> 8)
		data[2*i+1] = byte(v)
	}
	resp := make([]byte, 2+len(data))
	resp[0] = byte(fn)
	resp[1] = byte(len(data))
	copy(resp[2:], data)
	return resp
}

func (s *RTUServer) dispatchWriteRegister(unit byte, reqPDU []byte) []byte {
	s.mu.RLock()
	handler := s.writeRegisterFn
	s.mu.RUnlock()
	if handler == nil || len(reqPDU) != 5 {
		return exceptionResponsePDU(pdu.WriteRegister, pdu.IllegalFunction)
	}
	addr := uint16(reqPDU[1])<<8 | uint16(reqPDU[2])
	value := uint16(reqPDU[3])<<8 | uint16(reqPDU[4])
	if err := handler(unit, addr, value); err != nil {
		return exceptionResponsePDU(pdu.WriteRegister, pdu.IllegalDataAddress)
	}
	return append([]byte{byte(pdu.WriteRegister)}, reqPDU[1:]...)
}

func (s *RTUServer) dispatchWriteRegisters(unit byte, reqPDU []byte) []byte {
	s.mu.RLock()
	handler := s.writeRegistersFn
	s.mu.RUnlock()
	if handler == nil || len(reqPDU) < 6 {
		return exceptionResponsePDU(pdu.WriteMultipleRegisters, pdu.IllegalFunction)
	}
	start := uint16(reqPDU[1])<<8 | uint16(reqPDU[2])
	count := int(uint16(reqPDU[3])<<8 | uint16(reqPDU[4]))
	byteCount := int(reqPDU[5])
	data := reqPDU[6:]
	if byteCount != 2*count || len(data) < byteCount {
		return exceptionResponsePDU(pdu.WriteMultipleRegisters, pdu.IllegalDataValue)
	}
	values, err := pdu.ParseRegisters(data[:byteCount])
	if err != nil {
		return exceptionResponsePDU(pdu.WriteMultipleRegisters, pdu.IllegalDataValue)
	}
	if err := handler(unit, start, values); err != nil {
		return exceptionResponsePDU(pdu.WriteMultipleRegisters, pdu.IllegalDataAddress)
	}
	// Echo address + count (spec §4.7's write-multiple echo shape).
	return []byte{byte(pdu.WriteMultipleRegisters), reqPDU[1], reqPDU[2], reqPDU[3], reqPDU[4]}
}

func exceptionResponsePDU(fn pdu.FunctionCode, code pdu.ErrorCode) []byte {
	return []byte{byte(fn | pdu.ExceptionFlag), byte(code)}
}
