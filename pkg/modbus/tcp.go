package modbus

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/commatea/modbus-core/pkg/modbus/pdu"
)

const mbapHeaderLen = 7

// TCPTransport frames PDUs with an MBAP header over a net.Conn: a 16-bit
// transaction ID, a fixed protocol ID of zero, a length field, and the
// unit identifier.
type TCPTransport struct {
	conn    net.Conn
	timeout time.Duration

	mu  sync.Mutex
	txn uint16
}

// NewTCPTransport wraps an already-dialed connection.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn, timeout: 5 * time.Second}
}

// DialTCP connects to addr (host:port, defaulting to port 502 if addr has
// none) and wraps the resulting connection.
func DialTCP(ctx context.Context, addr string) (*TCPTransport, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "502")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError("tcp.Dial", KindConnectionLost, err)
	}
	return NewTCPTransport(conn), nil
}

// SetTimeout sets the per-exchange read deadline (default 5s).
func (t *TCPTransport) SetTimeout(d time.Duration) {
	t.timeout = d
}

func (t *TCPTransport) nextTxnID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txn++
	return t.txn
}

// RoundTrip sends reqPDU to unit and returns the response PDU's payload.
func (t *TCPTransport) RoundTrip(ctx context.Context, unit byte, reqPDU []byte, fn pdu.FunctionCode) ([]byte, error) {
	const op = "tcp.RoundTrip"

	txnID := t.nextTxnID()
	frame := buildMBAPFrame(txnID, unit, reqPDU)

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
	} else {
		t.conn.SetDeadline(time.Now().Add(t.timeout))
	}

	if _, err := t.conn.Write(frame); err != nil {
		return nil, newError(op, KindConnectionLost, err)
	}

	header := make([]byte, mbapHeaderLen+2)
	if err := readFullConn(t.conn, header); err != nil {
		return nil, classifyConnError(op, err)
	}

	gotTxnID := binary.BigEndian.Uint16(header[0:2])
	if gotTxnID != txnID {
		return nil, newError(op, KindProtocolException, errTxnMismatch(txnID, gotTxnID))
	}

	length := binary.BigEndian.Uint16(header[4:6])
	respFn := pdu.FunctionCode(header[7])

	// length counts unit(1) + PDU; we have already consumed unit,
	// function, and the byte after the function as part of the 9-byte header.
	remaining := int(length) - 3
	if remaining < 0 {
		return nil, newError(op, KindProtocolException, errShortMBAP())
	}
	rest := make([]byte, remaining)
	if remaining > 0 {
		if err := readFullConn(t.conn, rest); err != nil {
			return nil, classifyConnError(op, err)
		}
	}

	payload := append([]byte{header[8]}, rest...)
	if respFn.IsException() {
		return nil, protocolExceptionError(op, fn, pdu.ErrorCode(payload[0]))
	}
	return payload, nil
}

// Close closes the underlying connection.
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

func buildMBAPFrame(txnID uint16, unit byte, reqPDU []byte) []byte {
	length := uint16(1 + len(reqPDU))
	frame := make([]byte, mbapHeaderLen+len(reqPDU))
	binary.BigEndian.PutUint16(frame[0:2], txnID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol ID, always 0
	binary.BigEndian.PutUint16(frame[4:6], length)
	frame[6] = unit
	copy(frame[7:], reqPDU)
	return frame
}

func readFullConn(conn net.Conn, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

func classifyConnError(op string, err error) *Error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return newError(op, KindTimeout, err)
	}
	return newError(op, KindConnectionLost, err)
}

func errTxnMismatch(want, got uint16) error {
	return &txnMismatchError{want: want, got: got}
}

type txnMismatchError struct {
	want, got uint16
}

func (e *txnMismatchError) Error() string {
	return "modbus: tcp response transaction ID mismatch"
}

func errShortMBAP() error {
	return &shortMBAPError{}
}

type shortMBAPError struct{}

func (e *shortMBAPError) Error() string { return "modbus: tcp response declares a negative PDU length" }
