// Package notify delivers reminder emails through the Resend HTTP API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

const (
	DefaultBaseURL = "https://api.resend.com"
	DefaultFrom    = "Reminder <onboarding@resend.dev>"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// StatusError is returned for a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resend: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the provider may accept the same request later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type ResendConfig struct {
	APIKey  string
	BaseURL string
	From    string
	// Client overrides the HTTP client. Deadlines come from the caller's
	// context, so the default client has no timeout of its own.
	Client *http.Client
}

// ResendSender posts emails to POST {BaseURL}/emails.
type ResendSender struct {
	client   *http.Client
	endpoint string
	apiKey   string
	from     string
}

func NewResendSender(cfg ResendConfig) *ResendSender {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	from := cfg.From
	if from == "" {
		from = DefaultFrom
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &ResendSender{
		client:   client,
		endpoint: base + "/emails",
		apiKey:   cfg.APIKey,
		from:     from,
	}
}

// Endpoint is the URL emails are posted to.
func (s *ResendSender) Endpoint() string {
	return s.endpoint
}

type sendPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send posts one email. Headers: Authorization (bearer API key),
// Idempotency-Key (when set on the email).
func (s *ResendSender) Send(ctx context.Context, email domain.Email) (domain.SendResult, error) {
	start := time.Now()

	body, err := json.Marshal(sendPayload{
		From:    s.from,
		To:      []string{email.To},
		Subject: email.Subject,
		HTML:    email.HTML,
	})
	if err != nil {
		return domain.SendResult{Duration: time.Since(start)}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{Duration: time.Since(start)}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if email.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", email.IdempotencyKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.SendResult{Duration: time.Since(start)}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	result := domain.SendResult{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		result.Duration = time.Since(start)
		return result, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	// The email was accepted; an unreadable body only loses the id.
	var decoded sendResponse
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	result.MessageID = decoded.ID
	result.Duration = time.Since(start)
	return result, nil
}
