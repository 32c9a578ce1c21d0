package modbus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/commatea/modbus-core/pkg/modbus/crc"
	"github.com/commatea/modbus-core/pkg/modbus/pdu"
	"github.com/commatea/modbus-core/pkg/serialport"
)

const testRTUTimeout = 2 * time.Second

func TestRTUTransportRoundTripReadHoldingRegisters(t *testing.T) {
	client, server := serialport.NewLoopbackPair()
	client.Open()
	server.Open()
	defer client.Close()
	defer server.Close()

	transport := NewRTUTransport(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// S1: unit=7 start=11 count=13 -> 07 03 00 0B 00 0D F5 AB
		req := make([]byte, 8)
		server.Read(req)
		want := []byte{0x07, 0x03, 0x00, 0x0B, 0x00, 0x0D, 0xF5, 0xAB}
		if !bytes.Equal(req, want) {
			t.Errorf("request frame = % X, want % X", req, want)
		}
		// response: 2 registers, values 0x002A 0x0014
		resp := []byte{0x07, 0x03, 0x04, 0x00, 0x2A, 0x00, 0x14, 0x00, 0x00}
		crc.Fill(resp)
		server.Write(resp)
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

func TestRTUTransportEncodesWriteRegisterFrame(t *testing.T) {
	client, server := serialport.NewLoopbackPair()
	client.Open()
	server.Open()
	defer client.Close()
	defer server.Close()

	transport := NewRTUTransport(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := make([]byte, 8)
		server.Read(req)
		// S2: unit=1 register=7 value=42 -> 01 06 00 07 00 2A B9 D4
		want := []byte{0x01, 0x06, 0x00, 0x07, 0x00, 0x2A, 0xB9, 0xD4}
		if !bytes.Equal(req, want) {
			t.Errorf("request frame = % X, want % X", req, want)
		}
		// echo response
		server.Write(req)
	}()

	reqPDU := pdu.BuildWriteRegisterRequest(7, 42)
	_, err := transport.RoundTrip(context.Background(), 1, reqPDU, pdu.WriteRegister)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	<-done
}

func TestRTUTransportDetectsCRCMismatch(t *testing.T) {
	client, server := serialport.NewLoopbackPair()
	client.Open()
	server.Open()
	defer client.Close()
	defer server.Close()

	transport := NewRTUTransport(client, WithRTUTimeout(testRTUTimeout))

	go func() {
		req := make([]byte, 8)
		server.Read(req)
		// Well-formed write-response length but a deliberately wrong CRC.
		resp := []byte{0x01, 0x06, 0x00, 0x07, 0x00, 0x2A, 0x00, 0x00}
		server.Write(resp)
	}()

	reqPDU := pdu.BuildWriteRegisterRequest(7, 42)
	_, err := transport.RoundTrip(context.Background(), 1, reqPDU, pdu.WriteRegister)
	if err == nil {
		t.Fatal("expected a CRC error")
	}
	if kindOf(t, err) != KindCRC {
		t.Errorf("error kind = %v, want KindCRC", kindOf(t, err))
	}
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	me, ok := err.(*Error)
	if !ok {
		t.Fatalf("error %v is not *Error", err)
	}
	return me.Kind
}
