package pdu

import (
	"fmt"
	"math"
)

// WordOrder selects which register of a multi-register value carries the
// more-significant bits on the wire.
type WordOrder int

const (
	// HighWordFirst is standard big-endian register order: registers[0]
	// holds the high word.
	HighWordFirst WordOrder = iota
	// LowWordFirst holds the low word first, as used by
	// ReadHoldingRegistersFloat-style slaves.
	LowWordFirst
)

func wordPair(regs []uint16, order WordOrder) (hi, lo uint16) {
	if order == HighWordFirst {
		return regs[0], regs[1]
	}
	return regs[1], regs[0]
}

func wordQuad(regs []uint16, order WordOrder) [4]uint16 {
	var w [4]uint16
	if order == HighWordFirst {
		copy(w[:], regs[:4])
		return w
	}
	w[0], w[1], w[2], w[3] = regs[3], regs[2], regs[1], regs[0]
	return w
}

// DecodeInt16 interprets a single register as a signed 16-bit integer.
func DecodeInt16(regs []uint16) int16 {
	return int16(regs[0])
}

// DecodeUInt16 returns the register verbatim.
func DecodeUInt16(regs []uint16) uint16 {
	return regs[0]
}

// DecodeUInt32 combines two registers into an unsigned 32-bit integer per
// the given word order.
func DecodeUInt32(regs []uint16, order WordOrder) uint32 {
	hi, lo := wordPair(regs, order)
	return uint32(hi)<<16 | uint32(lo)
}

// DecodeInt32 is DecodeUInt32 reinterpreted as signed.
func DecodeInt32(regs []uint16, order WordOrder) int32 {
	return int32(DecodeUInt32(regs, order))
}

// DecodeFloat32 reinterprets two registers as an IEEE-754 single-precision
// float.
func DecodeFloat32(regs []uint16, order WordOrder) float32 {
	bits := DecodeUInt32(regs, order)
	return math.Float32frombits(bits)
}

// DecodeUInt64 combines four registers into an unsigned 64-bit integer per
// the given word order.
func DecodeUInt64(regs []uint16, order WordOrder) uint64 {
	w := wordQuad(regs, order)
	return uint64(w[0])<<48 | uint64(w[1])<<32 | uint64(w[2])<<16 | uint64(w[3])
}

// DecodeInt64 is DecodeUInt64 reinterpreted as signed.
func DecodeInt64(regs []uint16, order WordOrder) int64 {
	return int64(DecodeUInt64(regs, order))
}

// DecodeFloat64 reinterprets four registers as an IEEE-754 double-precision
// float.
func DecodeFloat64(regs []uint16, order WordOrder) float64 {
	bits := DecodeUInt64(regs, order)
	return math.Float64frombits(bits)
}

// DecodeMod10000Int48 decodes three registers, each a base-10000 digit
// group, into an integer: value = sum(digit[i] * 10000^i), least
// significant digit group first in the chosen word order.
func DecodeMod10000Int48(regs []uint16, order WordOrder) (int64, error) {
	return decodeMod10000(regs, 3, order)
}

// DecodeMod10000Int64 decodes four registers, each a base-10000 digit
// group, into an integer.
func DecodeMod10000Int64(regs []uint16, order WordOrder) (int64, error) {
	return decodeMod10000(regs, 4, order)
}

func decodeMod10000(regs []uint16, n int, order WordOrder) (int64, error) {
	if len(regs) < n {
		return 0, fmt.Errorf("modbus: mod-10000 decode needs %d registers, got %d", n, len(regs))
	}
	ordered := make([]uint16, n)
	if order == HighWordFirst {
		for i := 0; i < n; i++ {
			ordered[i] = regs[n-1-i]
		}
	} else {
		copy(ordered, regs[:n])
	}
	var value int64
	var scale int64 = 1
	for _, digit := range ordered {
		if digit > 9999 {
			return 0, fmt.Errorf("modbus: mod-10000 digit group %d out of range [0,9999]", digit)
		}
		value += int64(digit) * scale
		scale *= 10000
	}
	return value, nil
}
