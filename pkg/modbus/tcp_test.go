package modbus

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/commatea/modbus-core/pkg/modbus/pdu"
)

func TestTCPTransportBuildsMBAPReadRequest(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	transport := NewTCPTransport(clientConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// S6: unit=7 start=11 count=13 txn=1 -> 00 01 00 00 00 06 07 03 00 0B 00 0D
		req := make([]byte, 12)
		if err := readFullConn(serverConn, req); err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x07, 0x03, 0x00, 0x0B, 0x00, 0x0D}
		if !bytes.Equal(req, want) {
			t.Errorf("request frame = % X, want % X", req, want)
		}

		// response: 2 registers, values 0x002A 0x0014
		resp := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x07, 0x03, 0x04, 0x00, 0x2A, 0x00, 0x14}
		serverConn.Write(resp)
	}()

	reqPDU, err := pdu.BuildReadRequest(pdu.ReadHoldingRegister, 11, 13)
	if err != nil {
		t.Fatalf("BuildReadRequest: %v", err)
	}
	payload, err := transport.RoundTrip(context.Background(), 7, reqPDU, pdu.ReadHoldingRegister)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	<-done

	data, err := pdu.ParseReadResponse(payload, 4)
	if err != nil {
		t.Fatalf("ParseReadResponse: %v", err)
	}
	regs, err := pdu.ParseRegisters(data)
	if err != nil {
		t.Fatalf("ParseRegisters: %v", err)
	}
	if len(regs) != 2 || regs[0] != 0x2A || regs[1] != 0x14 {
		t.Errorf("regs = %v, want [42 20]", regs)
	}
}

func TestTCPTransportWriteCoilFrame(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	transport := NewTCPTransport(clientConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// S7: unit=1 register=7 value=true txn=1 -> 00 01 00 00 00 06 01 05 00 07 FF 00
		req := make([]byte, 12)
		if err := readFullConn(serverConn, req); err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x05, 0x00, 0x07, 0xFF, 0x00}
		if !bytes.Equal(req, want) {
			t.Errorf("request frame = % X, want % X", req, want)
		}
		serverConn.Write(req) // echo
	}()

	reqPDU := pdu.BuildWriteCoilRequest(7, true)
	_, err := transport.RoundTrip(context.Background(), 1, reqPDU, pdu.WriteCoil)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	<-done
}

func TestTCPTransportRejectsTransactionIDMismatch(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	transport := NewTCPTransport(clientConn)

	go func() {
		req := make([]byte, 12)
		readFullConn(serverConn, req)
		// Respond with the wrong transaction ID (99 instead of 1).
		resp := []byte{0x00, 0x63, 0x00, 0x00, 0x00, 0x06, 0x01, 0x05, 0x00, 0x07, 0xFF, 0x00}
		serverConn.Write(resp)
	}()

	reqPDU := pdu.BuildWriteCoilRequest(7, true)
	_, err := transport.RoundTrip(context.Background(), 1, reqPDU, pdu.WriteCoil)
	if err == nil {
		t.Fatal("expected a transaction ID mismatch error")
	}
}
