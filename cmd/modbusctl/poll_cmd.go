package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commatea/modbus-core/pkg/config"
	"github.com/commatea/modbus-core/pkg/modbus"
	"github.com/commatea/modbus-core/pkg/modbus/poll"
	"github.com/commatea/modbus-core/pkg/serialport"
	"github.com/spf13/cobra"
)

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Poll every endpoint in the config file and print mapped values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(cmd.Context())
		},
	}
}

func runPoll(ctx context.Context) error {
	if len(cfg.RTUEndpoints) == 0 && len(cfg.TCPEndpoints) == 0 {
		return fmt.Errorf("no rtu_endpoints or tcp_endpoints configured (use --config)")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices := make([]*poll.Device, 0, len(cfg.RTUEndpoints)+len(cfg.TCPEndpoints))

	for _, ep := range cfg.RTUEndpoints {
		client, err := dialRTUEndpoint(ep)
		if err != nil {
			return fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}
		devices = append(devices, buildDevice(client, ep.Name, ep.Unit, ep.Period, ep.Mappings))
	}

	for _, ep := range cfg.TCPEndpoints {
		transport, err := modbus.DialTCP(ctx, ep.Address)
		if err != nil {
			return fmt.Errorf("endpoint %s: dialing %s: %w", ep.Name, ep.Address, err)
		}
		client := modbus.NewClient(transport, ep.Name)
		devices = append(devices, buildDevice(client, ep.Name, ep.Unit, ep.Period, ep.Mappings))
	}

	for _, d := range devices {
		d.StartPolling(ctx)
	}
	log.Info("polling started", "devices", len(devices))

	<-ctx.Done()
	log.Info("polling stopped, shutting down devices")
	for _, d := range devices {
		d.StopPolling()
	}
	return nil
}

func dialRTUEndpoint(ep config.RTUEndpoint) (*modbus.Client, error) {
	sc := serialport.DefaultConfig(ep.Device)
	sc.BaudRate = ep.BaudRate
	if ep.DataBits != 0 {
		sc.DataBits = ep.DataBits
	}
	sc.Parity = parseParity(ep.Parity)
	sc.StopBits = parseStopBits(ep.StopBits)

	port := serialport.Open(sc)
	if err := port.Open(); err != nil {
		return nil, fmt.Errorf("opening %s: %w", ep.Device, err)
	}
	transport := modbus.NewRTUTransport(port)
	return modbus.NewClient(transport, ep.Name), nil
}

func buildDevice(client *modbus.Client, name string, unit byte, period time.Duration, mappings []config.MappingConfig) *poll.Device {
	d := poll.NewDevice(client, unit, name, period, nil)
	for _, m := range mappings {
		mapping := m
		err := d.Register(poll.Mapping{
			Name:          mapping.Name,
			Start:         mapping.Start,
			RegisterCount: mapping.RegisterCount,
			Format:        parseFormat(mapping.Format),
			Scale:         mapping.Scale,
			Offset:        mapping.Offset,
			Sink: func(value any) {
				fmt.Printf("%s/%s: %v\n", name, mapping.Name, value)
			},
		})
		if err != nil {
			log.Warn("skipping invalid mapping", "device", name, "mapping", mapping.Name, "err", err)
		}
	}
	return d
}

func parseFormat(s string) poll.SourceFormat {
	switch s {
	case "little_endian_int":
		return poll.LittleEndianInteger
	case "big_endian_float":
		return poll.BigEndianFloat
	case "little_endian_float":
		return poll.LittleEndianFloat
	default:
		return poll.BigEndianInteger
	}
}

func parseParity(s string) serialport.Parity {
	switch s {
	case "odd":
		return serialport.ParityOdd
	case "even":
		return serialport.ParityEven
	default:
		return serialport.ParityNone
	}
}

func parseStopBits(v float64) serialport.StopBits {
	switch v {
	case 1.5:
		return serialport.StopBits1Half
	case 2:
		return serialport.StopBits2
	default:
		return serialport.StopBits1
	}
}
