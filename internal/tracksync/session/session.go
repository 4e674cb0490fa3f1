// Package session implements the tracking-session state machine: what is
// currently being tracked, since when, how much time has accumulated, and
// when that time gets submitted to the tracker.
package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mhornik/tracklog/internal/tracksync/jira"
	"github.com/mhornik/tracklog/internal/tracksync/sync"
)

// Mode decides how elapsed time for the current issue is computed. It is
// fixed for the lifetime of the engine instance.
type Mode int

const (
	// ModeInternal measures wall-clock time since the session start.
	ModeInternal Mode = iota
	// ModeUpwork derives elapsed time from deltas of the external tracker's
	// weekly cumulative total.
	ModeUpwork
)

func (m Mode) String() string {
	switch m {
	case ModeInternal:
		return "internal"
	case ModeUpwork:
		return "upwork"
	default:
		return "unknown"
	}
}

// State of the tracking session.
type State int

const (
	Idle State = iota
	Active
)

// internalMinimum is the shortest window Internal mode submits; shorter
// stretches are discarded, not carried forward.
const internalMinimum = 2 * time.Minute

// TimeLogger commits a closed accumulation window to the tracker.
type TimeLogger interface {
	LogTime(ctx context.Context, request sync.LogRequest) sync.WorklogResult
}

// HistoryAppender receives one line per session transition and per successful
// submission.
type HistoryAppender interface {
	Append(format string, args ...any)
}

// Session is the tracking state machine. Exactly one exists per engine
// instance. Transitions must be invoked from a single logical caller;
// concurrent transition calls are a caller error.
type Session struct {
	mode    Mode
	logger  TimeLogger
	history HistoryAppender
	now     func() time.Time

	state        State
	currentIssue *jira.Issue
	sessionStart time.Time

	// accumulated is the time carried into the current run, Internal mode
	// only; reset to zero on every Start/ChangeIssue.
	accumulated time.Duration

	baseWeeklyTotal    time.Duration
	currentWeeklyTotal time.Duration
}

// Option configures a Session at construction.
type Option func(*Session)

// WithInitialWeeklyTotal seeds the Upwork weekly-total baseline from the
// reading taken at startup.
func WithInitialWeeklyTotal(total time.Duration) Option {
	return func(s *Session) {
		s.baseWeeklyTotal = total
		s.currentWeeklyTotal = total
	}
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// New creates an empty (Idle) session in the given mode.
func New(mode Mode, logger TimeLogger, history HistoryAppender, options ...Option) *Session {
	s := &Session{
		mode:    mode,
		logger:  logger,
		history: history,
		now:     time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Mode returns the session's fixed time-source mode.
func (s *Session) Mode() Mode {
	return s.mode
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// CurrentIssue returns the issue being tracked, nil when Idle.
func (s *Session) CurrentIssue() *jira.Issue {
	return s.currentIssue
}

// Elapsed computes the time accumulated for the current issue. It is a pure
// function of the session fields and never separately mutated.
func (s *Session) Elapsed() time.Duration {
	if s.state != Active {
		return 0
	}

	switch s.mode {
	case ModeUpwork:
		if elapsed := s.currentWeeklyTotal - s.baseWeeklyTotal; elapsed > 0 {
			return elapsed
		}
		return 0
	default:
		return s.accumulated + s.now().Sub(s.sessionStart)
	}
}

// Start begins tracking the given issue. A Start while already Active is a
// no-op with a logged warning.
func (s *Session) Start(issue jira.Issue) {
	if s.state == Active {
		logrus.Warnf("ignoring Start(%s): already tracking %s", issue.Key, s.currentKey())
		return
	}

	s.currentIssue = &issue
	s.sessionStart = s.now()
	s.accumulated = 0
	s.state = Active

	s.history.Append("started tracking %s (%s)", issue.Key, issue.Summary)
}

// UpdateWeeklyTotal replaces the current weekly cumulative total reported by
// the external tracker. Valid in any state, Upwork mode only.
func (s *Session) UpdateWeeklyTotal(total time.Duration) {
	if s.mode != ModeUpwork {
		logrus.Warn("ignoring weekly total update in internal mode")
		return
	}
	s.currentWeeklyTotal = total
}

// ChangeIssue closes the window for the outgoing issue, submitting it if it
// meets the mode threshold, and starts a fresh window for the new issue.
// A no-op when not tracking or when the key does not change.
func (s *Session) ChangeIssue(issue jira.Issue) {
	if s.state != Active {
		logrus.Debugf("ignoring ChangeIssue(%s): not tracking", issue.Key)
		return
	}
	if s.currentIssue != nil && s.currentIssue.Key == issue.Key {
		return
	}

	s.closeWindow()

	s.currentIssue = &issue
	s.sessionStart = s.now()
	s.accumulated = 0
	if s.mode == ModeUpwork {
		s.baseWeeklyTotal = s.currentWeeklyTotal
	}

	s.history.Append("switched tracking to %s (%s)", issue.Key, issue.Summary)
}

// Stop closes the current window, submitting it if it meets the mode
// threshold, and returns to Idle. A no-op when already Idle. In Upwork mode
// the weekly baseline is rebased so a later Start does not re-count
// already-submitted time.
func (s *Session) Stop() {
	if s.state == Idle {
		return
	}

	s.closeWindow()

	if s.mode == ModeUpwork {
		s.baseWeeklyTotal = s.currentWeeklyTotal
	}

	stopped := s.currentKey()
	s.currentIssue = nil
	s.accumulated = 0
	s.state = Idle

	s.history.Append("stopped tracking %s", stopped)
}

// closeWindow submits the elapsed time of the current window when it meets
// the mode threshold. Sub-threshold windows are discarded silently; each
// window is logged at most once.
func (s *Session) closeWindow() {
	elapsed := s.Elapsed()

	if s.currentIssue == nil {
		// Start was skipped; nothing to attribute the window to.
		logrus.Debug("closing a window with no current issue")
		return
	}

	switch s.mode {
	case ModeUpwork:
		if elapsed <= 0 {
			return
		}
	default:
		if elapsed < internalMinimum {
			logrus.Debugf("discarding %s window for %s: below %s minimum", elapsed, s.currentIssue.Key, internalMinimum)
			return
		}
	}

	result := s.logger.LogTime(context.Background(), sync.LogRequest{
		IssueKey:               s.currentIssue.Key,
		Duration:               elapsed,
		RemainingEstimateHours: -1,
	})
	if result.Success {
		s.history.Append("logged %s against %s", elapsed, s.currentIssue.Key)
	}
}

func (s *Session) currentKey() string {
	if s.currentIssue == nil {
		return "<none>"
	}
	return s.currentIssue.Key
}
