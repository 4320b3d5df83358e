package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abhishekkushwahaa/signsetu/internal/dispatcher"
	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

// DefaultRunTimeout bounds a run started over HTTP.
const DefaultRunTimeout = 2 * time.Minute

type Store interface {
	CreateBlock(ctx context.Context, b domain.TimeBlock) error
	ListBlocks(ctx context.Context, ownerID uuid.UUID) ([]domain.TimeBlock, error)
	DeleteBlock(ctx context.Context, id, ownerID uuid.UUID) error
	UpsertProfile(ctx context.Context, ownerID uuid.UUID, email string) error
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Runner performs one dispatch run at the current time.
type Runner interface {
	RunNow(ctx context.Context) (dispatcher.RunResult, error)
}

// StatsReader returns hourly run totals. Optional.
type StatsReader interface {
	Hour(ctx context.Context, t time.Time) (map[string]int64, error)
}

// UserProvider identifies the caller of a time-block request.
type UserProvider interface {
	UserID(r *http.Request) (uuid.UUID, error)
}

// HeaderUserProvider trusts a header set by an authenticating proxy.
type HeaderUserProvider struct {
	Header string
}

var errNoUser = errors.New("missing or invalid user id")

func (p HeaderUserProvider) UserID(r *http.Request) (uuid.UUID, error) {
	header := p.Header
	if header == "" {
		header = "X-User-ID"
	}
	id, err := uuid.Parse(strings.TrimSpace(r.Header.Get(header)))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errNoUser
	}
	return id, nil
}

type Handler struct {
	store        Store
	runner       Runner
	users        UserProvider
	log          *zap.Logger
	db           HealthChecker
	stats        StatsReader
	triggerToken string
	runTimeout   time.Duration
	clock        func() time.Time
}

func NewHandler(store Store, runner Runner, users UserProvider, log *zap.Logger) *Handler {
	if users == nil {
		users = HeaderUserProvider{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:      store,
		runner:     runner,
		users:      users,
		log:        log.Named("api"),
		runTimeout: DefaultRunTimeout,
		clock:      time.Now,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithTriggerToken requires "Authorization: Bearer <token>" on /run.
// An empty token leaves /run open.
func (h *Handler) WithTriggerToken(token string) *Handler {
	h.triggerToken = token
	return h
}

// WithRunTimeout overrides DefaultRunTimeout.
func (h *Handler) WithRunTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.runTimeout = d
	}
	return h
}

// WithStats enables GET /stats.
func (h *Handler) WithStats(stats StatsReader) *Handler {
	h.stats = stats
	return h
}

// WithClock sets the clock used for new blocks and /stats defaults.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/run" && (r.Method == http.MethodGet || r.Method == http.MethodPost):
		h.run(w, r)

	case path == "/stats" && r.Method == http.MethodGet:
		h.getStats(w, r)

	case path == "/time-blocks" && r.Method == http.MethodGet:
		h.listTimeBlocks(w, r)

	case path == "/time-blocks" && r.Method == http.MethodPost:
		h.createTimeBlock(w, r)

	case strings.HasPrefix(path, "/time-blocks/") && r.Method == http.MethodDelete:
		h.deleteTimeBlock(w, r)

	case path == "/profile" && r.Method == http.MethodPut:
		h.upsertProfile(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	if !h.authorizedTrigger(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// A client hanging up must not interrupt a run part way.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.runTimeout)
	defer cancel()

	result, err := h.runner.RunNow(ctx)
	if err != nil {
		h.log.Error("run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, NewRunResponse(result))
}

func (h *Handler) authorizedTrigger(r *http.Request) bool {
	if h.triggerToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.triggerToken)) == 1
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusNotFound, "analytics disabled")
		return
	}

	at := h.clock().UTC()
	if raw := r.URL.Query().Get("hour"); raw != "" {
		parsed, err := time.Parse("2006010215", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "hour must be YYYYMMDDHH")
			return
		}
		at = parsed
	}

	counts, err := h.stats.Hour(r.Context(), at)
	if err != nil {
		h.log.Error("read stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{Hour: at.Format("2006010215"), Counts: counts})
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createTimeBlock(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.users.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req CreateTimeBlockRequest
	if !decodeBody(w, r, &req) {
		return
	}

	v, err := validateCreateTimeBlock(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b := domain.TimeBlock{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Title:     v.Title,
		StartTime: v.Start,
		EndTime:   v.End,
		Notified:  false,
		CreatedAt: h.clock().UTC(),
	}

	if err := h.store.CreateBlock(r.Context(), b); err != nil {
		h.log.Error("create time block", zap.Stringer("owner_id", ownerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create time block")
		return
	}

	writeJSON(w, http.StatusCreated, toTimeBlockResponse(b))
}

func (h *Handler) listTimeBlocks(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.users.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	blocks, err := h.store.ListBlocks(r.Context(), ownerID)
	if err != nil {
		h.log.Error("list time blocks", zap.Stringer("owner_id", ownerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list time blocks")
		return
	}

	resp := ListTimeBlocksResponse{TimeBlocks: make([]TimeBlockResponse, len(blocks))}
	for i, b := range blocks {
		resp.TimeBlocks[i] = toTimeBlockResponse(b)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteTimeBlock(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.users.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	// Extract block ID from path: /time-blocks/{id}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "time-blocks" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time block id")
		return
	}

	if err := h.store.DeleteBlock(r.Context(), id, ownerID); err != nil {
		if errors.Is(err, domain.ErrBlockNotFound) {
			writeError(w, http.StatusNotFound, "time block not found")
			return
		}
		h.log.Error("delete time block", zap.Stringer("block_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete time block")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) upsertProfile(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.users.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req UpsertProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}

	email, err := validateEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpsertProfile(r.Context(), ownerID, email); err != nil {
		h.log.Error("upsert profile", zap.Stringer("owner_id", ownerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save profile")
		return
	}

	writeJSON(w, http.StatusOK, ProfileResponse{OwnerID: ownerID.String(), Email: email})
}

// decodeBody reads a size-limited JSON body into v, writing the error
// response itself when it fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
