// Package upwork defines the contract to the external time tracker. The
// tracker is an external collaborator providing a single function: read the
// current weekly cumulative total, or nothing when it cannot be read.
package upwork

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mhornik/tracklog/internal/tracksync/session"
)

// WeeklyTotalReader reads the external tracker's weekly cumulative total.
// A nil result means the tracker cannot be read.
type WeeklyTotalReader func() *time.Duration

// DetectMode probes the reader once at startup and picks the fixed
// time-source mode for the engine instance: Upwork when the tracker is
// reachable and returns a total, Internal otherwise. The second return value
// is the initial weekly total baseline, zero in Internal mode.
func DetectMode(reader WeeklyTotalReader) (session.Mode, time.Duration) {
	if reader == nil {
		return session.ModeInternal, 0
	}

	total := reader()
	if total == nil {
		logrus.Debug("external tracker not readable, falling back to internal time source")
		return session.ModeInternal, 0
	}

	logrus.Debugf("external tracker reachable, weekly total %s", *total)
	return session.ModeUpwork, *total
}
