package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

// LogSender writes emails to the log instead of delivering them. Used with
// NOTIFIER=log for local development; every send succeeds.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{log: log.Named("notify")}
}

func (s *LogSender) Send(ctx context.Context, email domain.Email) (domain.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SendResult{}, err
	}
	start := time.Now()
	id := "log-" + uuid.NewString()
	s.log.Info("email",
		zap.String("message_id", id),
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
		zap.String("idempotency_key", email.IdempotencyKey),
		zap.Int("html_bytes", len(email.HTML)))
	return domain.SendResult{MessageID: id, StatusCode: 200, Duration: time.Since(start)}, nil
}
