package pdu

import "math"

// EncodeUInt32 splits a uint32 into two registers in the given word order.
func EncodeUInt32(v uint32, order WordOrder) []uint16 {
	hi := uint16(v >> 16)
	lo := uint16(v)
	if order == HighWordFirst {
		return []uint16{hi, lo}
	}
	return []uint16{lo, hi}
}

// EncodeInt32 is EncodeUInt32 reinterpreted as signed.
func EncodeInt32(v int32, order WordOrder) []uint16 {
	return EncodeUInt32(uint32(v), order)
}

// EncodeFloat32 splits an IEEE-754 single-precision float into two
// registers in the given word order.
func EncodeFloat32(v float32, order WordOrder) []uint16 {
	return EncodeUInt32(math.Float32bits(v), order)
}

// EncodeUInt64 splits a uint64 into four registers in the given word order.
func EncodeUInt64(v uint64, order WordOrder) []uint16 {
	w := [4]uint16{
		uint16(v >> 48),
		uint16(v >> 32),
		uint16(v >> 16),
		uint16(v),
	}
	if order == HighWordFirst {
		return w[:]
	}
	return []uint16{w[3], w[2], w[1], w[0]}
}

// EncodeInt64 is EncodeUInt64 reinterpreted as signed.
func EncodeInt64(v int64, order WordOrder) []uint16 {
	return EncodeUInt64(uint64(v), order)
}

// EncodeFloat64 splits an IEEE-754 double-precision float into four
// registers in the given word order.
func EncodeFloat64(v float64, order WordOrder) []uint16 {
	return EncodeUInt64(math.Float64bits(v), order)
}
