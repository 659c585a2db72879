// Package memsize provides human-readable byte and bit size constants and
// formatting helpers used throughout config defaults and log messages.
package memsize

import "fmt"

// Byte size constants.
const (
	B  uint64 = 1
	KB        = B * 1024
	MB        = KB * 1024
	GB        = MB * 1024
)

// Bit size constants.
const (
	Bit  uint64 = 1
	Kbit        = Bit * 1000
	Mbit        = Kbit * 1000
	Gbit        = Mbit * 1000
)

// Format renders n bytes as a human-readable string, e.g. "16.00KB".
func Format(n uint64) string {
	switch {
	case n >= GB:
		return fmt.Sprintf("%.2fGB", float64(n)/float64(GB))
	case n >= MB:
		return fmt.Sprintf("%.2fMB", float64(n)/float64(MB))
	case n >= KB:
		return fmt.Sprintf("%.2fKB", float64(n)/float64(KB))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// BitFormat renders n bits/sec as a human-readable string, e.g. "600.00Mbit".
func BitFormat(n uint64) string {
	switch {
	case n >= Gbit:
		return fmt.Sprintf("%.2fGbit", float64(n)/float64(Gbit))
	case n >= Mbit:
		return fmt.Sprintf("%.2fMbit", float64(n)/float64(Mbit))
	case n >= Kbit:
		return fmt.Sprintf("%.2fKbit", float64(n)/float64(Kbit))
	default:
		return fmt.Sprintf("%dbit", n)
	}
}
