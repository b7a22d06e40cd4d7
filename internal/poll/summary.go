package poll

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/yarkm13/ftpspoll/internal/fetch"
)

// Summary reports one poll cycle. It is returned even when the cycle was
// aborted, in which case Err holds the cycle level error.
type Summary struct {
	CycleID  string
	Poller   string
	Root     string
	Started  time.Time
	Finished time.Time

	Retrieved        int
	SkippedDuplicate int
	SkippedFiltered  int
	Failed           int
	DeleteFailed     int
	// Deferred counts new candidates left for a later poll by the
	// max files limit or a cancellation.
	Deferred int
	Bytes    int64
	// Reconnects counts sessions reopened after a transfer broke the previous one.
	Reconnects int

	// Ignored lists entries hidden by the ignore marker. They are never
	// reported as outcomes.
	Ignored []string

	Outcomes []fetch.Outcome
	Err      error
}

func (s *Summary) add(o fetch.Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	switch o.Status {
	case fetch.StatusRetrieved:
		s.Retrieved++
		s.Bytes += o.Bytes
		if o.DeleteFailed {
			s.DeleteFailed++
		}
	case fetch.StatusSkippedDuplicate:
		s.SkippedDuplicate++
	case fetch.StatusSkippedFiltered:
		s.SkippedFiltered++
	case fetch.StatusFailed:
		s.Failed++
	}
}

// reset drops everything gathered so far; an aborted listing persists nothing.
func (s *Summary) reset() {
	s.Outcomes = nil
	s.Ignored = nil
	s.Retrieved, s.SkippedDuplicate, s.SkippedFiltered, s.Failed, s.DeleteFailed, s.Deferred = 0, 0, 0, 0, 0, 0
	s.Bytes = 0
}

// Skipped is the number of duplicate, filtered and ignored entries.
func (s *Summary) Skipped() int {
	return s.SkippedDuplicate + s.SkippedFiltered + len(s.Ignored)
}

// WithStatus returns the outcomes with the given status, in cycle order.
func (s *Summary) WithStatus(status fetch.Status) []fetch.Outcome {
	var out []fetch.Outcome
	for _, o := range s.Outcomes {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// Errors combines the cycle error and every per-file failure, nil if none.
func (s *Summary) Errors() error {
	var result *multierror.Error
	if s.Err != nil {
		result = multierror.Append(result, s.Err)
	}
	for _, o := range s.Outcomes {
		if o.Err != nil {
			result = multierror.Append(result, o.Err)
		}
		if o.DeleteErr != nil {
			result = multierror.Append(result, fmt.Errorf("delete after fetch: %w", o.DeleteErr))
		}
	}
	return result.ErrorOrNil()
}

func (s *Summary) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}
