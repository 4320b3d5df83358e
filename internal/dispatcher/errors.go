package dispatcher

import "errors"

// ErrStoreUnavailable is returned by Run when the due set cannot be read.
// Nothing is sent when it occurs.
var ErrStoreUnavailable = errors.New("store unavailable")

// Per-block errors. They are logged and counted, never returned from Run.
var (
	ErrRecipientUnresolved = errors.New("recipient unresolved")
	ErrSendFailed          = errors.New("send failed")
	// ErrCommitRace means another run already marked the block.
	ErrCommitRace = errors.New("block already marked notified")
	// ErrCommitFailed means the reminder went out but the mark did not stick;
	// the block may be reminded again.
	ErrCommitFailed = errors.New("mark notified failed after send")
)

// Outcome is the per-block result recorded by the Reporter.
type Outcome string

const (
	OutcomeSent                Outcome = "sent"
	OutcomeSkippedNoRecipient  Outcome = "skipped:no-recipient"
	OutcomeFailedSendError     Outcome = "failed:send-error"
	OutcomeFailedInternalError Outcome = "failed:internal-error"
)

// Commit anomaly kinds, counted in RunResult and reported to metrics.
const (
	AnomalyCommitRace   = "commit_race"
	AnomalyCommitFailed = "commit_failed"
	AnomalyVanished     = "vanished"
)
