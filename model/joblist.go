package model

import (
	"strings"
	"time"
)

// Unbounded is the TimeLeft value of a run without an overall budget.
const Unbounded time.Duration = -1

// JobListEntry is one test binary and the subtests to run from it.
type JobListEntry struct {
	// Binary name relative to the test root, empty once the job is complete
	Binary string `yaml:"binary"`
	// Subtest selectors; "!name" excludes, "sub@dyn" picks one dynamic subtest
	Subtests []string `yaml:"subtests,omitempty"`
}

// Done reports whether resume pruning marked the job complete.
func (e *JobListEntry) Done() bool {
	return e.Binary == ""
}

// PositiveSubtests returns the selectors that are not exclusions.
func (e *JobListEntry) PositiveSubtests() []string {
	var out []string
	for _, s := range e.Subtests {
		if !strings.HasPrefix(s, "!") {
			out = append(out, s)
		}
	}
	return out
}

// String renders the entry in the same binary@sub,sub form the CLI accepts.
func (e JobListEntry) String() string {
	if len(e.Subtests) == 0 {
		return e.Binary
	}
	return e.Binary + "@" + strings.Join(e.Subtests, ",")
}

// JobList is the ordered queue of jobs for one run.
type JobList struct {
	Entries []JobListEntry `yaml:"entries"`
}

func (l *JobList) Size() int {
	return len(l.Entries)
}

// ExecuteState tracks where the run is.
type ExecuteState struct {
	// Index of the next job to run
	Next int
	// Remaining overall budget, Unbounded when there is none
	TimeLeft time.Duration
	Resuming bool
	Dry      bool
}

// Exhausted reports whether the overall budget is used up.
func (s *ExecuteState) Exhausted() bool {
	return s.TimeLeft == 0
}

// Deduct subtracts d from a bounded budget, clamping at zero.
func (s *ExecuteState) Deduct(d time.Duration) {
	if s.TimeLeft < 0 {
		return
	}
	s.TimeLeft -= d
	if s.TimeLeft <= 0 {
		s.TimeLeft = 0
	}
}

// InitialTimeLeft converts the configured overall timeout into a budget.
func InitialTimeLeft(s *Settings) time.Duration {
	if s.OverallTimeout <= 0 {
		return Unbounded
	}
	return s.OverallTimeout
}
