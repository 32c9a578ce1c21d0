package main

import (
	"context"
	"fmt"

	"github.com/commatea/modbus-core/pkg/modbus"
	"github.com/commatea/modbus-core/pkg/serialport"
)

// dialClient builds a Client from the persistent --rtu/--tcp/--baud flags.
func dialClient(ctx context.Context) (*modbus.Client, error) {
	switch {
	case rtuDevice != "" && tcpAddress != "":
		return nil, fmt.Errorf("--rtu and --tcp are mutually exclusive")
	case rtuDevice != "":
		cfg := serialport.DefaultConfig(rtuDevice)
		cfg.BaudRate = rtuBaud
		port := serialport.Open(cfg)
		if err := port.Open(); err != nil {
			return nil, fmt.Errorf("opening %s: %w", rtuDevice, err)
		}
		transport := modbus.NewRTUTransport(port)
		return modbus.NewClient(transport, rtuDevice), nil
	case tcpAddress != "":
		transport, err := modbus.DialTCP(ctx, tcpAddress)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", tcpAddress, err)
		}
		return modbus.NewClient(transport, tcpAddress), nil
	default:
		return nil, fmt.Errorf("one of --rtu or --tcp is required")
	}
}
