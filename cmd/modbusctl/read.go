package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <holding|input|coils> <address> <count>",
		Short: "Read registers or coils from a slave",
		Args:  cobra.ExactArgs(3),
		RunE:  runRead,
	}
	return cmd
}

func runRead(cmd *cobra.Command, args []string) error {
	kind := args[0]
	addr, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[1], err)
	}
	count, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid count %q: %w", args[2], err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	switch kind {
	case "holding":
		regs, err := client.ReadHoldingRegisters(ctx, unit, addr, count)
		if err != nil {
			return err
		}
		printRegisters(addr, regs)
	case "input":
		regs, err := client.ReadInputRegisters(ctx, unit, addr, count)
		if err != nil {
			return err
		}
		printRegisters(addr, regs)
	case "coils":
		coils, err := client.ReadCoils(ctx, unit, addr, count)
		if err != nil {
			return err
		}
		for i, v := range coils {
			fmt.Printf("%5d: %v\n", addr+i, v)
		}
	default:
		return fmt.Errorf("unknown read kind %q, want holding, input, or coils", kind)
	}
	return nil
}

func printRegisters(start int, regs []uint16) {
	for i, v := range regs {
		fmt.Printf("%5d: %5d (0x%04X)\n", start+i, v, v)
	}
}
