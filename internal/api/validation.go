package api

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

// maxTitleLength bounds a block title in characters.
const maxTitleLength = 200

// validatedBlock is a CreateTimeBlockRequest after parsing.
type validatedBlock struct {
	Title string
	Start time.Time
	End   time.Time
}

func validateCreateTimeBlock(req CreateTimeBlockRequest) (validatedBlock, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return validatedBlock{}, fmt.Errorf("title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return validatedBlock{}, fmt.Errorf("title must be at most %d characters", maxTitleLength)
	}

	if req.StartTime == "" {
		return validatedBlock{}, fmt.Errorf("startTime is required")
	}
	start, err := parseTimestamp(req.StartTime)
	if err != nil {
		return validatedBlock{}, fmt.Errorf("invalid startTime: %w", err)
	}

	if req.EndTime == "" {
		return validatedBlock{}, fmt.Errorf("endTime is required")
	}
	end, err := parseTimestamp(req.EndTime)
	if err != nil {
		return validatedBlock{}, fmt.Errorf("invalid endTime: %w", err)
	}

	if !end.After(start) {
		return validatedBlock{}, fmt.Errorf("endTime must be after startTime")
	}

	return validatedBlock{Title: title, Start: start, End: end}, nil
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds and
// normalizes to UTC.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// validateEmail returns the bare address of a single RFC 5322 mailbox.
func validateEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("email is required")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("invalid email: %w", err)
	}
	return addr.Address, nil
}
