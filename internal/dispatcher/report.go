package dispatcher

import (
	"fmt"
	"sync/atomic"
)

// RunResult summarizes one run. It is returned even when the run was
// interrupted part way.
type RunResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	// Sent blocks whose mark did not go through cleanly. Vanished blocks were
	// deleted between selection and commit; they count as sent, not failed.
	CommitRaces    int `json:"commit_races,omitempty"`
	CommitFailures int `json:"commit_failures,omitempty"`
	Vanished       int `json:"vanished,omitempty"`

	Interrupted bool `json:"interrupted,omitempty"`
}

// Message is the human readable summary returned by the trigger.
func (r RunResult) Message() string {
	if r.Processed == 0 && !r.Interrupted {
		return "No upcoming blocks to process."
	}
	msg := fmt.Sprintf("Processed %d notifications.", r.Processed)
	if r.Interrupted {
		msg += " Run interrupted before all due blocks were started."
	}
	return msg
}

// Reporter accumulates per-block outcomes. Safe for concurrent use.
type Reporter struct {
	processed atomic.Int64
	sent      atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64

	commitRaces    atomic.Int64
	commitFailures atomic.Int64
	vanished       atomic.Int64

	interrupted atomic.Bool
}

// NewReporter returns an empty reporter.
func NewReporter() *Reporter {
	return &Reporter{}
}

// Record counts one processed block.
func (r *Reporter) Record(outcome Outcome) {
	r.processed.Add(1)
	switch outcome {
	case OutcomeSent:
		r.sent.Add(1)
	case OutcomeSkippedNoRecipient:
		r.skipped.Add(1)
	default:
		r.failed.Add(1)
	}
}

// RecordAnomaly counts a commit problem on an already sent block.
func (r *Reporter) RecordAnomaly(kind string) {
	switch kind {
	case AnomalyCommitRace:
		r.commitRaces.Add(1)
	case AnomalyCommitFailed:
		r.commitFailures.Add(1)
	case AnomalyVanished:
		r.vanished.Add(1)
	}
}

// MarkInterrupted notes that the run stopped starting new blocks early.
func (r *Reporter) MarkInterrupted() {
	r.interrupted.Store(true)
}

// Finalize returns the accumulated totals.
func (r *Reporter) Finalize() RunResult {
	return RunResult{
		Processed:      int(r.processed.Load()),
		Sent:           int(r.sent.Load()),
		Skipped:        int(r.skipped.Load()),
		Failed:         int(r.failed.Load()),
		CommitRaces:    int(r.commitRaces.Load()),
		CommitFailures: int(r.commitFailures.Load()),
		Vanished:       int(r.vanished.Load()),
		Interrupted:    r.interrupted.Load(),
	}
}
