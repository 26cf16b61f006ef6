package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ParseSize parses "64KiB", "10MB" or a plain byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}
	return int64(n), nil
}

// FormatSize renders bytes with IEC units.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatRate renders a throughput in bytes per second.
func FormatRate(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatETA renders the remaining time at the given rate.
func FormatETA(remaining int64, bytesPerSecond float64) string {
	if remaining <= 0 {
		return "done"
	}
	if bytesPerSecond <= 0 {
		return "unknown"
	}
	d := time.Duration(float64(remaining) / bytesPerSecond * float64(time.Second))
	return d.Round(time.Second).String()
}
