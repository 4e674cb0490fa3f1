package jira

import (
	"fmt"
	"strings"
	"time"
)

// FormatCompact renders a duration in the tracker's compact notation:
// "2h 30m", "45m", "3h". Zero units are omitted except for the zero duration
// itself, which renders as "0m".
func FormatCompact(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}

	totalMinutes := int(d.Minutes())
	hours := totalMinutes / 60
	minutes := totalMinutes % 60

	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if len(parts) == 0 {
		return "0m"
	}

	return strings.Join(parts, " ")
}
