package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeBlock_Due_WindowBoundaries(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Minute

	tests := []struct {
		name  string
		start time.Time
		want  bool
	}{
		{"one second in the past", now.Add(-time.Second), false},
		{"exactly now", now, true},
		{"inside window", now.Add(2 * time.Minute), true},
		{"one second before window end", now.Add(window - time.Second), true},
		{"exactly window end", now.Add(window), false},
		{"after window", now.Add(15 * time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := TimeBlock{StartTime: tt.start, EndTime: tt.start.Add(time.Hour)}
			assert.Equal(t, tt.want, b.Due(now, window))
		})
	}
}

func TestTimeBlock_Due_NotifiedExcluded(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := TimeBlock{StartTime: now.Add(time.Minute), Notified: true}
	assert.False(t, b.Due(now, 10*time.Minute))
}
