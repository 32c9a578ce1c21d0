package modbus

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/commatea/modbus-core/pkg/logger"
	"github.com/commatea/modbus-core/pkg/metrics"
	"github.com/commatea/modbus-core/pkg/modbus/pdu"
)

// TCPServer accepts connections and spawns one handler goroutine per
// connection, each dispatching inbound MBAP-framed requests to the
// registered handlers (spec §4.7).
type TCPServer struct {
	listener net.Listener
	log      *logger.Logger

	mu               sync.RWMutex
	readHoldingFn    ReadHandler
	readInputFn      ReadHandler
	writeRegisterFn  WriteRegisterHandler
	writeRegistersFn WriteRegistersHandler

	connected int64
	stop      chan struct{}
}

// NewTCPServer wraps an already-listening net.Listener (typically from
// net.Listen("tcp", ":502")).
func NewTCPServer(listener net.Listener, log *logger.Logger) *TCPServer {
	if log == nil {
		log = logger.Global()
	}
	return &TCPServer{listener: listener, log: log, stop: make(chan struct{})}
}

// RegisterReadHoldingRegisters installs the handler for function code 3.
func (s *TCPServer) RegisterReadHoldingRegisters(fn ReadHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readHoldingFn = fn
}

// RegisterReadInputRegisters installs the handler for function code 4.
func (s *TCPServer) RegisterReadInputRegisters(fn ReadHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readInputFn = fn
}

// RegisterWriteRegister installs the handler for function code 6.
func (s *TCPServer) RegisterWriteRegister(fn WriteRegisterHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRegisterFn = fn
}

// RegisterWriteRegisters installs the handler for function code 16.
func (s *TCPServer) RegisterWriteRegisters(fn WriteRegistersHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRegistersFn = fn
}

// Stop closes the listener, unblocking the accept loop in Serve.
func (s *TCPServer) Stop() {
	close(s.stop)
	s.listener.Close()
}

// Serve runs the accept loop, spawning a handler goroutine per connection,
// until Stop closes the listener.
func (s *TCPServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
				return newError("server_tcp.Serve", KindConnectionLost, err)
			}
		}
		atomic.AddInt64(&s.connected, 1)
		metrics.SetConnectedServers(int(atomic.LoadInt64(&s.connected)))
		s.log.Info("tcp client connected", "remote", conn.RemoteAddr())
		go s.handleConn(conn)
	}
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		atomic.AddInt64(&s.connected, -1)
		metrics.SetConnectedServers(int(atomic.LoadInt64(&s.connected)))
		s.log.Info("tcp client disconnected", "remote", conn.RemoteAddr())
	}()

	for {
		header := make([]byte, mbapHeaderLen)
		if err := readFullConn(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		unit := header[6]
		if length < 1 {
			return
		}
		pduBytes := make([]byte, length-1)
		if err := readFullConn(conn, pduBytes); err != nil {
			return
		}

		txnID := binary.BigEndian.Uint16(header[0:2])
		respPDU := s.dispatch(unit, pduBytes)

		out := make([]byte, mbapHeaderLen+len(respPDU))
		binary.BigEndian.PutUint16(out[0:2], txnID)
		binary.BigEndian.PutUint16(out[2:4], 0)
		binary.BigEndian.PutUint16(out[4:6], uint16(1+len(respPDU)))
		out[6] = unit
		copy(out[7:], respPDU)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// dispatch mirrors RTUServer.dispatch's switch, operating on a PDU with no
// address byte or CRC (the TCP framing carries neither).
func (s *TCPServer) dispatch(unit byte, reqPDU []byte) []byte {
	if len(reqPDU) == 0 {
		return exceptionResponsePDU(0, pdu.IllegalFunction)
	}
	fn := pdu.FunctionCode(reqPDU[0])

	switch fn {
	case pdu.ReadHoldingRegister:
		return dispatchReadPDU(unit, reqPDU, fn, s.getReadHoldingFn())
	case pdu.ReadInputRegister:
		return dispatchReadPDU(unit, reqPDU, fn, s.getReadInputFn())
	case pdu.WriteRegister:
		return s.dispatchWriteRegisterPDU(unit, reqPDU)
	case pdu.WriteMultipleRegisters:
		return s.dispatchWriteRegistersPDU(unit, reqPDU)
	default:
		return exceptionResponsePDU(fn, pdu.IllegalFunction)
	}
}

func (s *TCPServer) getReadHoldingFn() ReadHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readHoldingFn
}

func (s *TCPServer) getReadInputFn() ReadHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readInputFn
}

func dispatchReadPDU(unit byte, reqPDU []byte, fn pdu.FunctionCode, handler ReadHandler) []byte {
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
		binary.BigEndian.PutUint16(data[2*i:2*i+2], v)
	}
	resp := make([]byte, 2+len(data))
	resp[0] = byte(fn)
	resp[1] = byte(len(data))
	copy(resp[2:], data)
	return resp
}

func (s *TCPServer) dispatchWriteRegisterPDU(unit byte, reqPDU []byte) []byte {
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

// dispatchWriteRegistersPDU handles the write-multiple-registers request,
// whose body carries [addr(2)][quantity(2)][byteCount(1)][data…] starting
// right after the function byte (spec §4.7).
func (s *TCPServer) dispatchWriteRegistersPDU(unit byte, reqPDU []byte) []byte {
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
	return []byte{byte(pdu.WriteMultipleRegisters), reqPDU[1], reqPDU[2], reqPDU[3], reqPDU[4]}
}
