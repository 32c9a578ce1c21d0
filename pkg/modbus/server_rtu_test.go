package modbus

import (
	"testing"
	"time"

	"github.com/commatea/modbus-core/pkg/modbus/crc"
	"github.com/commatea/modbus-core/pkg/serialport"
)

func TestRTUServerDispatchesReadHoldingRegisters(t *testing.T) {
	clientPort, serverPort := serialport.NewLoopbackPair()
	clientPort.Open()
	serverPort.Open()
	defer clientPort.Close()
	defer serverPort.Close()

	srv := NewRTUServer(serverPort, nil)
	srv.RegisterReadHoldingRegisters(func(unit byte, start, count uint16) ([]uint16, error) {
		if unit != 7 || start != 11 || count != 13 {
			t.Errorf("handler got unit=%d start=%d count=%d", unit, start, count)
		}
		return []uint16{0x2A, 0x14}, nil
	})

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()
	defer func() {
		srv.Stop()
		<-serveDone
	}()

	// S1 request frame.
	req := []byte{0x07, 0x03, 0x00, 0x0B, 0x00, 0x0D, 0xF5, 0xAB}
	clientPort.Write(req)

	resp := make([]byte, 9)
	if err := readFullLoopback(t, clientPort, resp); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if !crc.Verify(resp) {
		t.Fatalf("response frame failed crc: % X", resp)
	}
	want := []byte{0x07, 0x03, 0x04, 0x00, 0x2A, 0x00, 0x14}
	for i, b := range want {
		if resp[i] != b {
			t.Errorf("resp[%d] = %02X, want %02X (full=% X)", i, resp[i], b, resp)
		}
	}
}

func TestRTUServerRejectsUnknownFunctionCode(t *testing.T) {
	clientPort, serverPort := serialport.NewLoopbackPair()
	clientPort.Open()
	serverPort.Open()
	defer clientPort.Close()
	defer serverPort.Close()

	srv := NewRTUServer(serverPort, nil)
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()
	defer func() {
		srv.Stop()
		<-serveDone
	}()

	req := make([]byte, 8)
	req[0], req[1] = 0x01, 0x2B // function code 43, unregistered
	crc.Fill(req)
	clientPort.Write(req)

	resp := make([]byte, 5)
	if err := readFullLoopback(t, clientPort, resp); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp[1] != 0x2B|0x80 {
		t.Errorf("resp function byte = %02X, want exception flag set", resp[1])
	}
	if resp[2] != 0x01 {
		t.Errorf("resp error code = %d, want 1 (IllegalFunction)", resp[2])
	}
}

func TestRTUServerDiscardsBadCRCSilently(t *testing.T) {
	clientPort, serverPort := serialport.NewLoopbackPair()
	clientPort.Open()
	serverPort.Open()
	defer clientPort.Close()
	defer serverPort.Close()

	srv := NewRTUServer(serverPort, nil)
	srv.RegisterReadHoldingRegisters(func(unit byte, start, count uint16) ([]uint16, error) {
		t.Error("handler should not be invoked for a CRC-invalid frame")
		return nil, nil
	})
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()
	defer func() {
		srv.Stop()
		<-serveDone
	}()

	bad := []byte{0x07, 0x03, 0x00, 0x0B, 0x00, 0x0D, 0x00, 0x00}
	clientPort.Write(bad)

	clientPort.SetReadTimeout(300 * time.Millisecond)
	buf := make([]byte, 1)
	n, _ := clientPort.Read(buf)
	if n != 0 {
		t.Errorf("expected no response bytes for a bad-CRC frame, got %d", n)
	}
}

func readFullLoopback(t *testing.T, port *serialport.Loopback, buf []byte) error {
	t.Helper()
	port.SetReadTimeout(2 * time.Second)
	n := 0
	for n < len(buf) {
		m, err := port.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}
