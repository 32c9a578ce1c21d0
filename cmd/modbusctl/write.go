package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <register|coil> <address> <value>",
		Short: "Write a register, a comma-separated sequence of registers, or a coil",
		Long: `write register <address> <value>         single holding register
write register <address> <v1,v2,...>  multiple holding registers starting at address
write coil <address> <true|false>     single coil`,
		Args: cobra.ExactArgs(3),
		RunE: runWrite,
	}
	return cmd
}

func runWrite(cmd *cobra.Command, args []string) error {
	kind := args[0]
	addr, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[1], err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	switch kind {
	case "register":
		values, err := parseUint16List(args[2])
		if err != nil {
			return err
		}
		if len(values) == 1 {
			return client.WriteHoldingRegister(ctx, unit, addr, values[0])
		}
		return client.WriteHoldingRegisters(ctx, unit, addr, values)
	case "coil":
		on, err := strconv.ParseBool(args[2])
		if err != nil {
			return fmt.Errorf("invalid coil value %q: %w", args[2], err)
		}
		return client.WriteCoil(ctx, unit, addr, on)
	default:
		return fmt.Errorf("unknown write kind %q, want register or coil", kind)
	}
}

func parseUint16List(s string) ([]uint16, error) {
	parts := strings.Split(s, ",")
	values := make([]uint16, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid register value %q: %w", p, err)
		}
		values[i] = uint16(v)
	}
	return values, nil
}
