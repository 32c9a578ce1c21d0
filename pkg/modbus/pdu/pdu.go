// Package pdu builds and parses Modbus Protocol Data Units: the
// function-code-bearing payload shared by both the RTU and TCP transports.
package pdu

import (
	"encoding/binary"
	"fmt"
)

// FunctionCode identifies the Modbus operation carried by a PDU.
type FunctionCode byte

// Function codes supported by this module (spec.md §3).
const (
	ReadCoil                  FunctionCode = 0x01
	ReadDiscrete              FunctionCode = 0x02
	ReadHoldingRegister       FunctionCode = 0x03
	ReadInputRegister         FunctionCode = 0x04
	WriteCoil                 FunctionCode = 0x05
	WriteRegister             FunctionCode = 0x06
	WriteMultipleCoils        FunctionCode = 0x0F
	WriteMultipleRegisters    FunctionCode = 0x10
	ReportID                  FunctionCode = 0x11
	ReadWriteMultipleRegisters FunctionCode = 0x17

	// ExceptionFlag is set on the echoed function code of an exception
	// response (spec.md §3).
	ExceptionFlag FunctionCode = 0x80
)

func (f FunctionCode) String() string {
	switch f &^ ExceptionFlag {
	case ReadCoil:
		return "ReadCoil"
	case ReadDiscrete:
		return "ReadDiscrete"
	case ReadHoldingRegister:
		return "ReadHoldingRegister"
	case ReadInputRegister:
		return "ReadInputRegister"
	case WriteCoil:
		return "WriteCoil"
	case WriteRegister:
		return "WriteRegister"
	case WriteMultipleCoils:
		return "WriteMultipleCoils"
	case WriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case ReportID:
		return "ReportID"
	case ReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	default:
		return fmt.Sprintf("FunctionCode(0x%02X)", byte(f))
	}
}

// IsException reports whether the function byte carries the exception flag.
func (f FunctionCode) IsException() bool {
	return f&ExceptionFlag != 0
}

// ErrorCode identifies the reason a server rejected a request (spec.md §3).
type ErrorCode byte

const (
	IllegalFunction     ErrorCode = 0x01
	IllegalDataAddress  ErrorCode = 0x02
	IllegalDataValue    ErrorCode = 0x03
	SlaveDeviceFailure  ErrorCode = 0x04
	Ack                 ErrorCode = 0x05
	SlaveIsBusy         ErrorCode = 0x06
	GatePathUnavailable ErrorCode = 0x0A
	GatewayTimeoutError ErrorCode = 0x0B

	// Transport-synthetic codes: never sent on the wire, used locally to
	// classify failures the client observed itself.
	SendFailed    ErrorCode = 100
	InvalidOffset ErrorCode = 128
	NotConnected  ErrorCode = 253
	ConnectionLost ErrorCode = 254
	Timeout       ErrorCode = 255
)

func (e ErrorCode) String() string {
	switch e {
	case IllegalFunction:
		return "IllegalFunction"
	case IllegalDataAddress:
		return "IllegalDataAddress"
	case IllegalDataValue:
		return "IllegalDataValue"
	case SlaveDeviceFailure:
		return "SlaveDeviceFailure"
	case Ack:
		return "Ack"
	case SlaveIsBusy:
		return "SlaveIsBusy"
	case GatePathUnavailable:
		return "GatePathUnavailable"
	case GatewayTimeoutError:
		return "GatewayTimeoutError"
	case SendFailed:
		return "SendFailed"
	case InvalidOffset:
		return "InvalidOffset"
	case NotConnected:
		return "NotConnected"
	case ConnectionLost:
		return "ConnectionLost"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("ErrorCode(%d)", byte(e))
	}
}

// MaxRegisters is the maximum register/coil count allowed in a single
// transaction (spec.md §3 invariants).
const MaxRegisters = 125

// CoilOn / CoilOff are the wire values for a single-coil write (spec.md §4.2).
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Holding/input register legacy-notation offsets (spec.md §3).
const (
	HoldingRegisterBase = 40001
	InputRegisterBase   = 30001
)

// NormalizeHoldingAddress subtracts the legacy 4xxxx offset when present.
func NormalizeHoldingAddress(addr int) uint16 {
	if addr >= HoldingRegisterBase {
		return uint16(addr - HoldingRegisterBase)
	}
	return uint16(addr)
}

// NormalizeInputAddress subtracts the legacy 3xxxx offset when present.
func NormalizeInputAddress(addr int) uint16 {
	if addr >= InputRegisterBase {
		return uint16(addr - InputRegisterBase)
	}
	return uint16(addr)
}

// BuildReadRequest encodes a read request (function codes 1-4) of count
// registers/coils starting at start.
func BuildReadRequest(fn FunctionCode, start uint16, count uint16) ([]byte, error) {
	if count == 0 || count > MaxRegisters {
		return nil, fmt.Errorf("modbus: register/coil count %d exceeds maximum of %d", count, MaxRegisters)
	}
	buf := make([]byte, 5)
	buf[0] = byte(fn)
	binary.BigEndian.PutUint16(buf[1:3], start)
	binary.BigEndian.PutUint16(buf[3:5], count)
	return buf, nil
}

// BuildWriteCoilRequest encodes a single-coil write (function code 5).
func BuildWriteCoilRequest(addr uint16, on bool) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(WriteCoil)
	binary.BigEndian.PutUint16(buf[1:3], addr)
	value := CoilOff
	if on {
		value = CoilOn
	}
	binary.BigEndian.PutUint16(buf[3:5], value)
	return buf
}

// BuildWriteRegisterRequest encodes a single-register write (function code 6).
func BuildWriteRegisterRequest(addr uint16, value uint16) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(WriteRegister)
	binary.BigEndian.PutUint16(buf[1:3], addr)
	binary.BigEndian.PutUint16(buf[3:5], value)
	return buf
}

// PackCoils packs bools LSB-first into bytes, as spec.md §3 requires for
// both WriteMultipleCoils payloads and coil-read responses.
func PackCoils(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackCoils unpacks count bools LSB-first from packed, discarding unused
// high bits beyond count.
func UnpackCoils(packed []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		out[i] = packed[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

// BuildWriteMultipleCoilsRequest encodes function code 15.
func BuildWriteMultipleCoilsRequest(start uint16, values []bool) ([]byte, error) {
	if len(values) == 0 || len(values) > MaxRegisters {
		return nil, fmt.Errorf("modbus: coil count %d exceeds maximum of %d", len(values), MaxRegisters)
	}
	packed := PackCoils(values)
	buf := make([]byte, 6+len(packed))
	buf[0] = byte(WriteMultipleCoils)
	binary.BigEndian.PutUint16(buf[1:3], start)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(values)))
	buf[5] = byte(len(packed))
	copy(buf[6:], packed)
	return buf, nil
}

// BuildWriteMultipleRegistersRequest encodes function code 16.
func BuildWriteMultipleRegistersRequest(start uint16, values []uint16) ([]byte, error) {
	if len(values) == 0 || len(values) > MaxRegisters {
		return nil, fmt.Errorf("modbus: register count %d exceeds maximum of %d", len(values), MaxRegisters)
	}
	buf := make([]byte, 6+2*len(values))
	buf[0] = byte(WriteMultipleRegisters)
	binary.BigEndian.PutUint16(buf[1:3], start)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(values)))
	buf[5] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(buf[6+2*i:8+2*i], v)
	}
	return buf, nil
}

// BuildReportIDRequest encodes function code 17, which carries no payload.
func BuildReportIDRequest() []byte {
	return []byte{byte(ReportID)}
}

// ReportIDResponse is the decoded payload of a ReportID response: a
// byte-count-prefixed blob of vendor-specific identification data followed
// by a one-byte run indicator (0xFF running, 0x00 stopped).
type ReportIDResponse struct {
	Data    []byte
	Running bool
}

// ParseReportIDResponse decodes a ReportID response payload
// ([byteCount][data...][runIndicator]). The run indicator is treated as an
// opaque status byte, not part of the identification data itself.
func ParseReportIDResponse(payload []byte) (*ReportIDResponse, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("modbus: truncated report-id response")
	}
	n := int(payload[0])
	if len(payload) != 1+n+1 {
		return nil, fmt.Errorf("modbus: report-id response declares %d data bytes but frame has %d", n, len(payload)-2)
	}
	return &ReportIDResponse{
		Data:    payload[1 : 1+n],
		Running: payload[1+n] == 0xFF,
	}, nil
}

// ProtocolException is returned when a response PDU carries the exception
// flag (spec.md §4.2, §7).
type ProtocolException struct {
	Function FunctionCode
	Code     ErrorCode
}

func (e *ProtocolException) Error() string {
	return fmt.Sprintf("modbus: exception response for %s: %s", e.Function, e.Code)
}

// ParseException extracts a *ProtocolException from a response PDU whose
// function byte carries ExceptionFlag. fn is the original (non-exception)
// function code that was requested.
func ParseException(fn FunctionCode, payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("modbus: truncated exception response for %s", fn)
	}
	return &ProtocolException{Function: fn, Code: ErrorCode(payload[0])}
}

// ParseReadResponse unpacks a read-response payload ([byteCount][data...])
// into the raw data bytes, verifying the byte count matches expectedBytes.
func ParseReadResponse(payload []byte, expectedBytes int) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("modbus: truncated read response")
	}
	n := int(payload[0])
	if len(payload) < 1+n {
		return nil, fmt.Errorf("modbus: read response declares %d bytes but only %d present", n, len(payload)-1)
	}
	if n != expectedBytes {
		return nil, fmt.Errorf("modbus: read response byte count %d does not match expected %d", n, expectedBytes)
	}
	return payload[1 : 1+n], nil
}

// ParseRegisters decodes a big-endian uint16 register array from data.
func ParseRegisters(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("modbus: register payload has odd length %d", len(data))
	}
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i : 2*i+2])
	}
	return out, nil
}

// ParseWriteCoilResponse verifies a single-coil write echo and returns the
// on/off value that was written.
func ParseWriteCoilResponse(payload []byte, wantAddr uint16) (bool, error) {
	if len(payload) != 4 {
		return false, fmt.Errorf("modbus: write-coil response has length %d, want 4", len(payload))
	}
	addr := binary.BigEndian.Uint16(payload[0:2])
	if addr != wantAddr {
		return false, fmt.Errorf("modbus: write-coil response echoes address %d, want %d", addr, wantAddr)
	}
	value := binary.BigEndian.Uint16(payload[2:4])
	switch value {
	case CoilOn:
		return true, nil
	case CoilOff:
		return false, nil
	default:
		return false, fmt.Errorf("modbus: write-coil response has invalid value 0x%04X", value)
	}
}

// ParseWriteRegisterResponse verifies a single-register write echo.
func ParseWriteRegisterResponse(payload []byte, wantAddr uint16) (uint16, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("modbus: write-register response has length %d, want 4", len(payload))
	}
	addr := binary.BigEndian.Uint16(payload[0:2])
	if addr != wantAddr {
		return 0, fmt.Errorf("modbus: write-register response echoes address %d, want %d", addr, wantAddr)
	}
	return binary.BigEndian.Uint16(payload[2:4]), nil
}

// ParseWriteMultipleResponse verifies a multi-write echo (address + item
// count) used by both function code 15 and 16.
func ParseWriteMultipleResponse(payload []byte, wantAddr uint16, wantCount int) error {
	if len(payload) != 4 {
		return fmt.Errorf("modbus: multi-write response has length %d, want 4", len(payload))
	}
	addr := binary.BigEndian.Uint16(payload[0:2])
	if addr != wantAddr {
		return fmt.Errorf("modbus: multi-write response echoes address %d, want %d", addr, wantAddr)
	}
	count := binary.BigEndian.Uint16(payload[2:4])
	if int(count) != wantCount {
		return fmt.Errorf("modbus: multi-write response echoes count %d, want %d", count, wantCount)
	}
	return nil
}
