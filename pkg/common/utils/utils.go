// Package utils holds small helpers shared across xtun packages.
package utils

import (
	"fmt"

	"github.com/rs/xid"
)

// GenerateSessionTag returns a globally unique, sortable tag for a client
// session. Numeric connection ids restart with the process; the tag
// identifies a session across restarts in aggregated logs.
func GenerateSessionTag() string {
	// xid: 20 characters
	return xid.New().String()
}

// HumanizeBytes converts a byte count to a human-readable string.
func HumanizeBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
