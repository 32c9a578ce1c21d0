package modbus

import (
	"fmt"

	"github.com/commatea/modbus-core/pkg/modbus/pdu"
)

// Kind classifies an *Error for errors.Is comparisons, independent of the
// operation or endpoint that produced it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindCRC
	KindProtocolException
	KindNotConnected
	KindConnectionLost
	KindArgument
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCRC:
		return "crc"
	case KindProtocolException:
		return "protocol_exception"
	case KindNotConnected:
		return "not_connected"
	case KindConnectionLost:
		return "connection_lost"
	case KindArgument:
		return "argument"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the base error type for this package's operations: it carries
// the failing operation, a Kind for errors.Is classification, and an
// Unwrap-able cause.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("modbus: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("modbus: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel *Error with a matching Kind,
// so callers can write errors.Is(err, modbus.ErrTimeout).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == ""
}

// Sentinels for errors.Is comparisons. Only Kind is checked (see Error.Is),
// so these can be compared against any *Error of the same kind.
var (
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrNotConnected   = &Error{Kind: KindNotConnected}
	ErrConnectionLost = &Error{Kind: KindConnectionLost}
	ErrUnsupported    = &Error{Kind: KindUnsupported}
)

func newError(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// CrcError reports a frame discarded for a CRC mismatch.
type CrcError struct {
	Expected uint16
	Actual   uint16
	Frame    []byte
}

func (e *CrcError) Error() string {
	return fmt.Sprintf("modbus: crc mismatch: expected %04X, got %04X (% X)", e.Expected, e.Actual, e.Frame)
}

func crcError(op string, expected, actual uint16, frame []byte) *Error {
	return &Error{
		Op:   op,
		Kind: KindCRC,
		Err:  &CrcError{Expected: expected, Actual: actual, Frame: append([]byte(nil), frame...)},
	}
}

func protocolExceptionError(op string, fn pdu.FunctionCode, code pdu.ErrorCode) *Error {
	return &Error{
		Op:   op,
		Kind: KindProtocolException,
		Err:  &pdu.ProtocolException{Function: fn, Code: code},
	}
}

func argumentError(op, msg string) *Error {
	return &Error{Op: op, Kind: KindArgument, Err: fmt.Errorf("%s", msg)}
}
