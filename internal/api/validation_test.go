package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCreateTimeBlock_Normalizes(t *testing.T) {
	v, err := validateCreateTimeBlock(CreateTimeBlockRequest{
		Title:     "  Focus  ",
		StartTime: "2025-03-01T12:00:00.250-05:00",
		EndTime:   "2025-03-01T18:00:00Z",
	})
	require.NoError(t, err)

	assert.Equal(t, "Focus", v.Title)
	assert.Equal(t, time.Date(2025, 3, 1, 17, 0, 0, 250_000_000, time.UTC), v.Start)
	assert.Equal(t, time.UTC, v.Start.Location())
}

func TestValidateCreateTimeBlock_TitleLength(t *testing.T) {
	req := CreateTimeBlockRequest{
		StartTime: "2025-03-01T12:00:00Z",
		EndTime:   "2025-03-01T13:00:00Z",
	}

	req.Title = strings.Repeat("é", maxTitleLength)
	_, err := validateCreateTimeBlock(req)
	assert.NoError(t, err)

	req.Title = strings.Repeat("é", maxTitleLength+1)
	_, err = validateCreateTimeBlock(req)
	assert.ErrorContains(t, err, "title")
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ada@example.com", "ada@example.com", false},
		{"  ada@example.com ", "ada@example.com", false},
		{"Ada <ada@example.com>", "ada@example.com", false},
		{"", "", true},
		{"ada", "", true},
		{"ada@example.com, bob@example.com", "", true},
	}
	for _, tt := range tests {
		got, err := validateEmail(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestHeaderUserProvider(t *testing.T) {
	id := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/time-blocks", nil)
	req.Header.Set("X-User-ID", " "+id.String()+" ")
	got, err := HeaderUserProvider{}.UserID(req)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	req = httptest.NewRequest(http.MethodGet, "/time-blocks", nil)
	req.Header.Set("X-Forwarded-User", id.String())
	got, err = HeaderUserProvider{Header: "X-Forwarded-User"}.UserID(req)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = HeaderUserProvider{}.UserID(req)
	assert.Error(t, err)
}
