package api

import (
	"time"

	"github.com/abhishekkushwahaa/signsetu/internal/dispatcher"
	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

type CreateTimeBlockRequest struct {
	Title     string `json:"title"`
	StartTime string `json:"startTime"` // RFC 3339
	EndTime   string `json:"endTime"`   // RFC 3339
}

type UpsertProfileRequest struct {
	Email string `json:"email"`
}

type TimeBlockResponse struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Title     string `json:"title"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Notified  bool   `json:"notified"`
	CreatedAt string `json:"createdAt"`
}

type ListTimeBlocksResponse struct {
	TimeBlocks []TimeBlockResponse `json:"timeBlocks"`
}

type ProfileResponse struct {
	OwnerID string `json:"ownerId"`
	Email   string `json:"email"`
}

// RunResponse is the trigger result. Message is always present; the counts
// are additive to the single-field shape callers already rely on.
type RunResponse struct {
	Message        string `json:"message"`
	Processed      int    `json:"processed"`
	Sent           int    `json:"sent"`
	Skipped        int    `json:"skipped"`
	Failed         int    `json:"failed"`
	CommitRaces    int    `json:"commit_races,omitempty"`
	CommitFailures int    `json:"commit_failures,omitempty"`
	Vanished       int    `json:"vanished,omitempty"`
	Interrupted    bool   `json:"interrupted,omitempty"`
}

// NewRunResponse builds the trigger body shared by /run and the run command.
func NewRunResponse(result dispatcher.RunResult) RunResponse {
	return RunResponse{
		Message:        result.Message(),
		Processed:      result.Processed,
		Sent:           result.Sent,
		Skipped:        result.Skipped,
		Failed:         result.Failed,
		CommitRaces:    result.CommitRaces,
		CommitFailures: result.CommitFailures,
		Vanished:       result.Vanished,
		Interrupted:    result.Interrupted,
	}
}

type StatsResponse struct {
	Hour   string           `json:"hour"`
	Counts map[string]int64 `json:"counts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toTimeBlockResponse(b domain.TimeBlock) TimeBlockResponse {
	return TimeBlockResponse{
		ID:        b.ID.String(),
		OwnerID:   b.OwnerID.String(),
		Title:     b.Title,
		StartTime: formatTime(b.StartTime),
		EndTime:   formatTime(b.EndTime),
		Notified:  b.Notified,
		CreatedAt: formatTime(b.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
