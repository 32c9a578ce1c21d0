package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/commatea/modbus-core/pkg/modbus"
	"github.com/commatea/modbus-core/pkg/modbus/crc"
	"github.com/commatea/modbus-core/pkg/serialport"
)

// startFakeServer answers every ReadHoldingRegisters request on port with
// a single register holding value, until ctx is cancelled.
func startFakeServer(ctx context.Context, port *serialport.Loopback, value uint16) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			port.SetReadTimeout(200 * time.Millisecond)
			req := make([]byte, 8)
			n := 0
			for n < len(req) {
				m, err := port.Read(req[n:])
				if err != nil {
					break
				}
				n += m
			}
			if n < len(req) {
				continue
			}
			resp := []byte{req[0], req[1], 0x02, byte(value >> 8), byte(value), 0x00, 0x00}
			crc.Fill(resp)
			port.Write(resp)
		}
	}()
}

func TestDeviceTickAppliesScaleAndOffset(t *testing.T) {
	clientPort, serverPort := serialport.NewLoopbackPair()
	clientPort.Open()
	serverPort.Open()
	defer clientPort.Close()
	defer serverPort.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startFakeServer(ctx, serverPort, 100)

	client := modbus.NewClient(modbus.NewRTUTransport(clientPort), "poll-test")
	device := NewDevice(client, 1, "meter", 50*time.Millisecond, nil)

	var mu sync.Mutex
	var got any
	device.Register(Mapping{
		Name:          "temperature",
		Start:         0,
		RegisterCount: 1,
		Scale:         0.1,
		Offset:        -5,
		Sink: func(v any) {
			mu.Lock()
			got = v
			mu.Unlock()
		},
	})

	device.tick(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := float64(100)*0.1 - 5
	if got != want {
		t.Errorf("sink got %v, want %v", got, want)
	}
}

func TestDeviceStartStopPolling(t *testing.T) {
	clientPort, serverPort := serialport.NewLoopbackPair()
	clientPort.Open()
	serverPort.Open()
	defer clientPort.Close()
	defer serverPort.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startFakeServer(ctx, serverPort, 7)

	client := modbus.NewClient(modbus.NewRTUTransport(clientPort), "poll-test")
	device := NewDevice(client, 1, "meter", MinPeriod, nil)

	var mu sync.Mutex
	ticks := 0
	device.Register(Mapping{
		Name:          "counter",
		Start:         0,
		RegisterCount: 1,
		Sink: func(v any) {
			mu.Lock()
			ticks++
			mu.Unlock()
		},
	})

	device.StartPolling(ctx)
	time.Sleep(300 * time.Millisecond)
	device.StopPolling()

	mu.Lock()
	defer mu.Unlock()
	if ticks == 0 {
		t.Error("expected at least one tick to have run")
	}
}
