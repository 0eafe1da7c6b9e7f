// Package wrapping implements wrap-safe comparison for the fixed-width
// sequence counters used throughout entitysync: Tick, MessageIndex,
// PacketIndex, ShortMessageIndex and SubCommandId.
package wrapping

// U16 is a 16-bit wrap-safe sequence number (Tick, MessageIndex, PacketIndex).
type U16 uint16

// U8 is an 8-bit wrap-safe sequence number (SubCommandId).
type U8 uint8

// SeqLess16 reports whether a is "before" b on the wrapped u16 ring,
// using the half-range rule. The exact-half-range tie breaks toward raw
// numeric order: the numerically smaller value is "less", so
// SeqLess16(0, 32768) is true while SeqLess16(32768, 0) is false.
func SeqLess16(a, b U16) bool {
	return (b > a && uint16(b-a) <= 1<<15) || (b < a && uint16(a-b) > 1<<15)
}

// SeqGreater16 is the strict inverse of SeqLess16 for distinct values.
func SeqGreater16(a, b U16) bool {
	return a != b && !SeqLess16(a, b)
}

// SeqLessOrEqual16 reports whether a == b or a is wrap-safe less than b.
func SeqLessOrEqual16(a, b U16) bool {
	return a == b || SeqLess16(a, b)
}

// SeqDiff16 returns the signed forward distance from a to b, in the range
// [-32768, 32767]. A positive result means b is ahead of a.
func SeqDiff16(a, b U16) int32 {
	return int32(int16(uint16(b - a)))
}

// SeqLess8 is the 8-bit analog of SeqLess16, half-range = 2^7, same
// raw-numeric tie-break at exactly half-range.
func SeqLess8(a, b U8) bool {
	return (b > a && uint8(b-a) <= 1<<7) || (b < a && uint8(a-b) > 1<<7)
}

// SeqGreater8 is the strict inverse of SeqLess8 for distinct values.
func SeqGreater8(a, b U8) bool {
	return a != b && !SeqLess8(a, b)
}

// SeqDiff8 returns the signed forward distance from a to b.
func SeqDiff8(a, b U8) int32 {
	return int32(int8(uint8(b - a)))
}
