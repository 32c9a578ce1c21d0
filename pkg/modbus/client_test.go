package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/commatea/modbus-core/pkg/modbus/crc"
	"github.com/commatea/modbus-core/pkg/modbus/pdu"
	"github.com/commatea/modbus-core/pkg/serialport"
)

// fakeServer answers every request frame on a loopback Port with a
// canned response, recording how many times it was asked. A respond func
// can inspect each request to detect interleaved (corrupted) frames.
type fakeServer struct {
	port    *serialport.Loopback
	mu      sync.Mutex
	calls   int
	respond func(req []byte) []byte
}

func newFakeServer(port *serialport.Loopback, respond func(req []byte) []byte) *fakeServer {
	return &fakeServer{port: port, respond: respond}
}

func (f *fakeServer) serveOnce(reqLen int) error {
	req := make([]byte, reqLen)
	n := 0
	for n < reqLen {
		m, err := f.port.Read(req[n:])
		if err != nil {
			return err
		}
		n += m
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	resp := f.respond(req)
	_, err := f.port.Write(resp)
	return err
}

func TestClientReadHoldingRegistersEndToEnd(t *testing.T) {
	clientPort, serverPort := serialport.NewLoopbackPair()
	clientPort.Open()
	serverPort.Open()
	defer clientPort.Close()
	defer serverPort.Close()

	server := newFakeServer(serverPort, func(req []byte) []byte {
		resp := []byte{req[0], req[1], 0x04, 0x00, 0x2A, 0x00, 0x14, 0x00, 0x00}
		crc.Fill(resp)
		return resp
	})

	client := NewClient(NewRTUTransport(clientPort), "test")

	errCh := make(chan error, 1)
	go func() { errCh <- server.serveOnce(8) }()

	regs, err := client.ReadHoldingRegisters(context.Background(), 7, 11, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server.serveOnce: %v", err)
	}
	if len(regs) != 2 || regs[0] != 0x2A || regs[1] != 0x14 {
		t.Errorf("regs = %v, want [42 20]", regs)
	}
}

func TestClientStatsTracksRequestsAndFailures(t *testing.T) {
	clientPort, serverPort := serialport.NewLoopbackPair()
	clientPort.Open()
	serverPort.Open()
	defer clientPort.Close()
	defer serverPort.Close()

	server := newFakeServer(serverPort, func(req []byte) []byte {
		resp := []byte{req[0], req[1], 0x02, 0x00, 0x2A, 0x00, 0x00}
		crc.Fill(resp)
		return resp
	})

	client := NewClient(NewRTUTransport(clientPort), "test")

	if stats := client.Stats(); stats.Requests != 0 {
		t.Fatalf("Stats() before any call = %+v, want zero value", stats)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.serveOnce(8) }()

	if _, err := client.ReadHoldingRegisters(context.Background(), 1, 0, 1); err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server.serveOnce: %v", err)
	}

	stats := client.Stats()
	if stats.Requests != 1 || stats.Failures != 0 {
		t.Errorf("Stats() = %+v, want 1 request and 0 failures", stats)
	}
	if stats.LastRequestID == "" {
		t.Error("Stats().LastRequestID is empty, want a correlation ID")
	}
}

func TestClientReadHoldingRegistersRejectsExcessiveCount(t *testing.T) {
	clientPort, _ := serialport.NewLoopbackPair()
	clientPort.Open()
	client := NewClient(NewRTUTransport(clientPort), "test")

	_, err := client.ReadHoldingRegisters(context.Background(), 1, 0, pdu.MaxRegisters+1)
	if err == nil {
		t.Fatal("expected an argument error")
	}
	var me *Error
	if !errors.As(err, &me) || me.Kind != KindArgument {
		t.Errorf("error = %v, want KindArgument", err)
	}
}

func TestClientWriteHoldingRegisterNormalizesLegacyAddress(t *testing.T) {
	clientPort, serverPort := serialport.NewLoopbackPair()
	clientPort.Open()
	serverPort.Open()
	defer clientPort.Close()
	defer serverPort.Close()

	var gotAddr uint16
	server := newFakeServer(serverPort, func(req []byte) []byte {
		gotAddr = uint16(req[2])<<8 | uint16(req[3])
		resp := make([]byte, 8)
		copy(resp, req[:6])
		crc.Fill(resp)
		return resp
	})

	client := NewClient(NewRTUTransport(clientPort), "test")

	errCh := make(chan error, 1)
	go func() { errCh <- server.serveOnce(8) }()

	if err := client.WriteHoldingRegister(context.Background(), 1, 40011, 99); err != nil {
		t.Fatalf("WriteHoldingRegister: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server.serveOnce: %v", err)
	}
	if gotAddr != 10 {
		t.Errorf("wire address = %d, want 10 (40011 - 40001)", gotAddr)
	}
}

func TestClientSerializesConcurrentCallers(t *testing.T) {
	clientPort, serverPort := serialport.NewLoopbackPair()
	clientPort.Open()
	serverPort.Open()
	defer clientPort.Close()
	defer serverPort.Close()

	client := NewClient(NewRTUTransport(clientPort, WithRTUTimeout(2*time.Second)), "test")

	const callers = 5
	server := newFakeServer(serverPort, func(req []byte) []byte {
		// A malformed interleave would make req fail to parse as a
		// valid write-register request; verify it every time.
		if req[1] != 0x06 {
			t.Errorf("server saw a corrupted request frame: % X", req)
		}
		resp := make([]byte, 8)
		copy(resp, req[:6])
		crc.Fill(resp)
		return resp
	})

	// The client's gate admits one transaction at a time, so a single
	// server loop reading sequential 8-byte frames is sufficient — and
	// avoids racing multiple reads against the same loopback channel.
	go func() {
		for i := 0; i < callers; i++ {
			server.serveOnce(8)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			client.WriteHoldingRegister(context.Background(), 1, i, uint16(i))
		}(i)
	}
	wg.Wait()

	server.mu.Lock()
	defer server.mu.Unlock()
	if server.calls != callers {
		t.Errorf("server handled %d calls, want %d", server.calls, callers)
	}
}
