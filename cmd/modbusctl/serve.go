package main

import (
	"fmt"
	"net"
	"sync"

	"github.com/commatea/modbus-core/pkg/modbus"
	"github.com/commatea/modbus-core/pkg/serialport"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var registerCount int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory holding register bank over --rtu or --tcp",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(registerCount)
		},
	}
	cmd.Flags().IntVar(&registerCount, "registers", 64, "number of holding registers to back with zeroed memory")
	return cmd
}

// registerBank is an in-memory holding-register store shared between the
// read and write handlers of a served endpoint.
type registerBank struct {
	mu   sync.Mutex
	regs []uint16
}

func newRegisterBank(n int) *registerBank {
	return &registerBank{regs: make([]uint16, n)}
}

func (b *registerBank) read(start, count uint16) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := int(start) + int(count)
	if int(start) < 0 || end > len(b.regs) {
		return nil, fmt.Errorf("register range [%d,%d) out of bounds (have %d)", start, end, len(b.regs))
	}
	out := make([]uint16, count)
	copy(out, b.regs[start:end])
	return out, nil
}

func (b *registerBank) write(start uint16, values []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := int(start) + len(values)
	if int(start) < 0 || end > len(b.regs) {
		return fmt.Errorf("register range [%d,%d) out of bounds (have %d)", start, end, len(b.regs))
	}
	copy(b.regs[start:end], values)
	return nil
}

func (b *registerBank) writeOne(addr uint16, value uint16) error {
	return b.write(addr, []uint16{value})
}

func runServe(registerCount int) error {
	bank := newRegisterBank(registerCount)

	switch {
	case rtuDevice != "" && tcpAddress != "":
		return fmt.Errorf("--rtu and --tcp are mutually exclusive")
	case rtuDevice != "":
		cfg := serialport.DefaultConfig(rtuDevice)
		cfg.BaudRate = rtuBaud
		port := serialport.Open(cfg)
		srv := modbus.NewRTUServer(port, nil)
		registerBankHandlers(srv, bank)
		fmt.Printf("serving %d holding registers on %s at %d baud (unit %d)\n", registerCount, rtuDevice, rtuBaud, unit)
		return srv.Serve()
	case tcpAddress != "":
		listener, err := net.Listen("tcp", tcpAddress)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", tcpAddress, err)
		}
		srv := modbus.NewTCPServer(listener, nil)
		registerBankHandlers(srv, bank)
		fmt.Printf("serving %d holding registers on %s (unit %d)\n", registerCount, tcpAddress, unit)
		return srv.Serve()
	default:
		return fmt.Errorf("one of --rtu or --tcp is required")
	}
}

// handlerTarget is satisfied by both RTUServer and TCPServer.
type handlerTarget interface {
	RegisterReadHoldingRegisters(modbus.ReadHandler)
	RegisterWriteRegister(modbus.WriteRegisterHandler)
	RegisterWriteRegisters(modbus.WriteRegistersHandler)
}

func registerBankHandlers(target handlerTarget, bank *registerBank) {
	target.RegisterReadHoldingRegisters(func(unit byte, start, count uint16) ([]uint16, error) {
		return bank.read(start, count)
	})
	target.RegisterWriteRegister(func(unit byte, addr, value uint16) error {
		return bank.writeOne(addr, value)
	})
	target.RegisterWriteRegisters(func(unit byte, start uint16, values []uint16) error {
		return bank.write(start, values)
	})
}
