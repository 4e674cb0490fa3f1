package jira

// Issue is a snapshot of a tracker issue with the fields the engine cares
// about. Snapshots are immutable once cached; updates replace the whole record.
type Issue struct {
	Key      string `yaml:"key"`
	Summary  string `yaml:"summary"`
	Status   string `yaml:"status"`
	Assignee string `yaml:"assignee"`
	Reporter string `yaml:"reporter"`
}

// Worklog describes a single time submission against an issue.
type Worklog struct {
	IssueKey string
	// TimeSpentSeconds is the tracked time to record. Always sent.
	TimeSpentSeconds int
	// Comment is attached as a rich-text document when non-empty.
	Comment string
	// RemainingEstimateHours instructs the tracker to set the issue's
	// remaining estimate. Negative means "leave unchanged".
	RemainingEstimateHours float64
}
