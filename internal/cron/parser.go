// Package cron parses the periodic trigger schedule.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields activation times. All times are UTC.
type Schedule interface {
	Next(after time.Time) time.Time
}

type Parser struct {
	parser cron.Parser
}

// NewParser accepts standard five-field expressions and descriptors such as
// "@hourly" or "@every 5m".
func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Parse parses expression, evaluated in UTC.
func (p *Parser) Parse(expression string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expression, err)
	}
	return &schedule{sched: sched}, nil
}

type schedule struct {
	sched cron.Schedule
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.UTC()).UTC()
}

// maxPeriodSamples bounds MaxPeriod's walk. A minute-level schedule needs
// 10080 activations to cover a week.
const maxPeriodSamples = 11000

// MaxPeriod returns the longest gap between consecutive activations of s
// during the week following from. Schedules with gaps longer than a week
// report the first gap found beyond that horizon.
func MaxPeriod(s Schedule, from time.Time) time.Duration {
	horizon := from.Add(7 * 24 * time.Hour)
	prev := s.Next(from)
	if prev.IsZero() {
		return 0
	}

	var longest time.Duration
	for i := 0; i < maxPeriodSamples; i++ {
		next := s.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); gap > longest {
			longest = gap
		}
		if next.After(horizon) {
			break
		}
		prev = next
	}
	return longest
}
