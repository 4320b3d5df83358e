package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
	"github.com/abhishekkushwahaa/signsetu/internal/store/memory"
	"github.com/abhishekkushwahaa/signsetu/internal/testutil"
)

// fakeResolver resolves every owner to <owner>@example.com unless told otherwise.
type fakeResolver struct {
	mu    sync.Mutex
	fail  map[uuid.UUID]error
	block bool // wait for ctx instead of answering
}

func (r *fakeResolver) ResolveEmail(ctx context.Context, ownerID uuid.UUID) (string, error) {
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[ownerID]; ok {
		return "", err
	}
	return ownerID.String() + "@example.com", nil
}

func (r *fakeResolver) failOwner(ownerID uuid.UUID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail == nil {
		r.fail = make(map[uuid.UUID]error)
	}
	r.fail[ownerID] = err
}

// fakeNotifier records sends and fails for recipients listed in fail.
type fakeNotifier struct {
	mu     sync.Mutex
	sent   []domain.Email
	fail   map[string]error
	onSend func(email domain.Email)

	inFlight    map[string]int
	maxParallel int
	active      int
}

func (n *fakeNotifier) Send(ctx context.Context, email domain.Email) (domain.SendResult, error) {
	n.mu.Lock()
	if n.inFlight == nil {
		n.inFlight = make(map[string]int)
	}
	n.inFlight[email.IdempotencyKey]++
	n.active++
	if n.active > n.maxParallel {
		n.maxParallel = n.active
	}
	hook := n.onSend
	failErr := n.fail[email.To]
	n.mu.Unlock()

	if hook != nil {
		hook(email)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.active--
	if failErr != nil {
		return domain.SendResult{StatusCode: 500}, failErr
	}
	n.sent = append(n.sent, email)
	return domain.SendResult{MessageID: "msg-" + email.IdempotencyKey, StatusCode: 200}, nil
}

func (n *fakeNotifier) failTo(to string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail == nil {
		n.fail = make(map[string]error)
	}
	n.fail[to] = err
}

func (n *fakeNotifier) clearFailures() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = nil
}

func (n *fakeNotifier) sentKeys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.sent))
	for _, e := range n.sent {
		keys = append(keys, e.IdempotencyKey)
	}
	return keys
}

func emailOf(b domain.TimeBlock) string {
	return b.OwnerID.String() + "@example.com"
}

type harness struct {
	store    *memory.Store
	resolver *fakeResolver
	notifier *fakeNotifier
	disp     *Dispatcher
}

func newHarness(t *testing.T, blocks ...domain.TimeBlock) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		resolver: &fakeResolver{},
		notifier: &fakeNotifier{},
	}
	for _, b := range blocks {
		require.NoError(t, h.store.CreateBlock(context.Background(), b))
	}
	h.disp = New(Config{Window: 10 * time.Minute, IOTimeout: time.Second}, h.store, h.resolver, h.notifier, zaptest.NewLogger(t))
	return h
}

func (h *harness) notified(t *testing.T, id uuid.UUID) bool {
	t.Helper()
	b, err := h.store.GetBlock(context.Background(), id)
	require.NoError(t, err)
	return b.Notified
}

// TestRun_Scenario_OnlyDueUnnotifiedBlockDispatched covers the A/B/C scenario:
// B is outside the window and C was already notified.
func TestRun_Scenario_OnlyDueUnnotifiedBlockDispatched(t *testing.T) {
	now := testutil.RefTime
	a := testutil.Block("A", now.Add(2*time.Minute))
	b := testutil.Block("B", now.Add(15*time.Minute))
	c := testutil.Block("C", now.Add(5*time.Minute))
	c.Notified = true

	h := newHarness(t, a, b, c)

	result, err := h.disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)

	assert.Equal(t, RunResult{Processed: 1, Sent: 1}, result)
	assert.Equal(t, []string{IdempotencyKey(a)}, h.notifier.sentKeys())
	assert.True(t, h.notified(t, a.ID))
	assert.False(t, h.notified(t, b.ID))
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	now := testutil.RefTime
	b1 := testutil.Block("one", now.Add(1*time.Minute))
	b2 := testutil.Block("two", now.Add(2*time.Minute))
	b3 := testutil.Block("three", now.Add(3*time.Minute))

	h := newHarness(t, b1, b2, b3)
	h.resolver.failOwner(b2.OwnerID, errors.New("unknown user"))

	result, err := h.disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Failed)

	assert.True(t, h.notified(t, b1.ID))
	assert.False(t, h.notified(t, b2.ID))
	assert.True(t, h.notified(t, b3.ID))
}

type failingStore struct {
	*memory.Store
	queryErr error
	markErr  error
	onMark   func(id uuid.UUID)
}

func (s *failingStore) QueryDue(ctx context.Context, from, to time.Time) ([]domain.TimeBlock, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.Store.QueryDue(ctx, from, to)
}

func (s *failingStore) MarkNotified(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.onMark != nil {
		s.onMark(id)
	}
	if s.markErr != nil {
		return false, s.markErr
	}
	return s.Store.MarkNotified(ctx, id)
}

func TestRun_StoreUnavailableIsFatal(t *testing.T) {
	now := testutil.RefTime
	h := newHarness(t, testutil.Block("a", now.Add(time.Minute)))
	store := &failingStore{Store: h.store, queryErr: errors.New("connection reset")}
	disp := New(Config{}, store, h.resolver, h.notifier, zaptest.NewLogger(t))

	result, err := disp.Run(testutil.TestContext(t), now)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, RunResult{}, result)
	assert.Empty(t, h.notifier.sentKeys())
}

func TestRun_SendFailureRetriedNextRun(t *testing.T) {
	now := testutil.RefTime
	b := testutil.Block("retry me", now.Add(5*time.Minute))
	h := newHarness(t, b)
	h.notifier.failTo(emailOf(b), errors.New("provider 503"))

	result, err := h.disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Failed: 1}, result)
	assert.False(t, h.notified(t, b.ID))

	// Still inside the window one minute later.
	h.notifier.clearFailures()
	result, err = h.disp.Run(testutil.TestContext(t), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1}, result)
	assert.True(t, h.notified(t, b.ID))
}

func TestRun_RecipientFailureRetriedNextRun(t *testing.T) {
	now := testutil.RefTime
	b := testutil.Block("no profile yet", now.Add(5*time.Minute))
	h := newHarness(t, b)
	h.resolver.failOwner(b.OwnerID, errors.New("rate limited"))

	result, err := h.disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Skipped: 1}, result)

	h.resolver = &fakeResolver{}
	disp := New(Config{}, h.store, h.resolver, h.notifier, zaptest.NewLogger(t))
	result, err = disp.Run(testutil.TestContext(t), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestRun_AtMostOnceAcrossRepeatedRuns(t *testing.T) {
	now := testutil.RefTime
	b := testutil.Block("once", now.Add(8*time.Minute))
	h := newHarness(t, b)

	for i := 0; i < 5; i++ {
		_, err := h.disp.Run(testutil.TestContext(t), now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{IdempotencyKey(b)}, h.notifier.sentKeys())

	due, err := SelectDue(context.Background(), h.store, now, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRun_ConcurrentRunsCommitEachBlockOnce(t *testing.T) {
	now := testutil.RefTime
	var blocks []domain.TimeBlock
	for i := 0; i < 20; i++ {
		blocks = append(blocks, testutil.Block("b", now.Add(time.Duration(i)*10*time.Second)))
	}
	h := newHarness(t, blocks...)

	const runs = 4
	results := make([]RunResult, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			disp := New(Config{Workers: 3}, h.store, h.resolver, h.notifier, zaptest.NewLogger(t))
			res, err := disp.Run(context.Background(), now)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	// Every block is committed by exactly one run; any other run that also
	// got as far as sending sees a commit race.
	committed := 0
	for _, r := range results {
		committed += r.Sent - r.CommitRaces
		assert.Zero(t, r.Failed)
	}
	assert.Equal(t, len(blocks), committed)
	for _, b := range blocks {
		assert.True(t, h.notified(t, b.ID))
	}
}

func TestRun_CommitFailureIsNotFatal(t *testing.T) {
	now := testutil.RefTime
	b := testutil.Block("sent but unmarked", now.Add(time.Minute))
	h := newHarness(t, b)
	store := &failingStore{Store: h.store, markErr: errors.New("write timeout")}
	disp := New(Config{}, store, h.resolver, h.notifier, zaptest.NewLogger(t))

	result, err := disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1, CommitFailures: 1}, result)
	assert.False(t, h.notified(t, b.ID))
}

func TestRun_CommitRaceIsSuppressed(t *testing.T) {
	now := testutil.RefTime
	b := testutil.Block("raced", now.Add(time.Minute))
	h := newHarness(t, b)
	store := &failingStore{Store: h.store}
	store.onMark = func(id uuid.UUID) {
		// Another run commits first.
		_, _ = h.store.MarkNotified(context.Background(), id)
	}
	disp := New(Config{}, store, h.resolver, h.notifier, zaptest.NewLogger(t))

	result, err := disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1, CommitRaces: 1}, result)
	assert.True(t, h.notified(t, b.ID))
}

func TestRun_BlockDeletedMidDispatch(t *testing.T) {
	now := testutil.RefTime
	b := testutil.Block("deleted", now.Add(time.Minute))
	h := newHarness(t, b)
	h.notifier.onSend = func(domain.Email) {
		_ = h.store.DeleteBlock(context.Background(), b.ID, b.OwnerID)
	}

	result, err := h.disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1, Vanished: 1}, result)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	now := testutil.RefTime
	h := newHarness(t, testutil.Block("a", now.Add(time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context also fails the due-set read.
	_, err := h.disp.Run(ctx, now)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, h.notifier.sentKeys())
}

func TestRun_CancelledMidRunFinishesInFlightCommit(t *testing.T) {
	now := testutil.RefTime
	first := testutil.Block("first", now.Add(1*time.Minute))
	second := testutil.Block("second", now.Add(2*time.Minute))
	h := newHarness(t, first, second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.notifier.onSend = func(email domain.Email) {
		if email.IdempotencyKey == IdempotencyKey(first) {
			cancel()
		}
	}

	result, err := h.disp.Run(ctx, now)
	require.NoError(t, err)

	assert.True(t, result.Interrupted)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Sent)
	assert.True(t, h.notified(t, first.ID), "sent block must still be marked after cancellation")
	assert.False(t, h.notified(t, second.ID))
	assert.Equal(t, []string{IdempotencyKey(first)}, h.notifier.sentKeys())
}

func TestRun_PanicIsolatedToBlock(t *testing.T) {
	now := testutil.RefTime
	bad := testutil.Block("bad", now.Add(1*time.Minute))
	good := testutil.Block("good", now.Add(2*time.Minute))
	h := newHarness(t, bad, good)
	h.notifier.onSend = func(email domain.Email) {
		if email.IdempotencyKey == IdempotencyKey(bad) {
			panic("boom")
		}
	}

	result, err := h.disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, h.notified(t, bad.ID))
	assert.True(t, h.notified(t, good.ID))
}

func TestRun_ResolverTimeoutCountsAsSkipped(t *testing.T) {
	now := testutil.RefTime
	h := newHarness(t, testutil.Block("slow", now.Add(time.Minute)))
	h.resolver.block = true
	disp := New(Config{IOTimeout: 20 * time.Millisecond}, h.store, h.resolver, h.notifier, zaptest.NewLogger(t))

	result, err := disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Skipped: 1}, result)
}

func TestRun_BoundedParallelism(t *testing.T) {
	now := testutil.RefTime
	var blocks []domain.TimeBlock
	for i := 0; i < 12; i++ {
		blocks = append(blocks, testutil.Block("p", now.Add(time.Duration(i)*time.Second)))
	}
	h := newHarness(t, blocks...)
	h.notifier.onSend = func(domain.Email) { time.Sleep(5 * time.Millisecond) }
	disp := New(Config{Workers: 3}, h.store, h.resolver, h.notifier, zaptest.NewLogger(t))

	result, err := disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)
	assert.Equal(t, 12, result.Sent)
	assert.LessOrEqual(t, h.notifier.maxParallel, 3)
	for key, n := range h.notifier.inFlight {
		assert.Equal(t, 1, n, "block %s sent more than once", key)
	}
}

func TestRun_EmptyDueSet(t *testing.T) {
	h := newHarness(t)
	result, err := h.disp.Run(testutil.TestContext(t), testutil.RefTime)
	require.NoError(t, err)
	assert.Equal(t, RunResult{}, result)
	assert.Equal(t, "No upcoming blocks to process.", result.Message())
}

func TestRun_RecordsDeliveryAttempts(t *testing.T) {
	now := testutil.RefTime
	ok := testutil.Block("ok", now.Add(time.Minute))
	bad := testutil.Block("bad", now.Add(2*time.Minute))
	h := newHarness(t, ok, bad)
	h.notifier.failTo(emailOf(bad), errors.New("rejected"))
	h.disp.WithDeliveryLog(h.store)

	_, err := h.disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)

	attempts := h.store.Deliveries()
	require.Len(t, attempts, 2)
	byBlock := map[uuid.UUID]domain.DeliveryAttempt{}
	for _, a := range attempts {
		byBlock[a.BlockID] = a
	}
	assert.True(t, byBlock[ok.ID].Succeeded)
	assert.Equal(t, "msg-"+IdempotencyKey(ok), byBlock[ok.ID].MessageID)
	assert.False(t, byBlock[bad.ID].Succeeded)
	assert.Contains(t, byBlock[bad.ID].Error, "rejected")
}

type recordingSinks struct {
	mu        sync.Mutex
	outcomes  []string
	anomalies []string
	runs      int
	runErr    error
	analytics []RunResult
}

func (s *recordingSinks) RunStarted() {}
func (s *recordingSinks) RunCompleted(_ time.Duration, _ RunResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.runErr = err
}
func (s *recordingSinks) BlockOutcome(outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
}
func (s *recordingSinks) SendCompleted(string, time.Duration) {}
func (s *recordingSinks) CommitAnomaly(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, kind)
}
func (s *recordingSinks) BlocksInFlightIncr() {}
func (s *recordingSinks) BlocksInFlightDecr() {}
func (s *recordingSinks) Record(_ context.Context, _ time.Time, result RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analytics = append(s.analytics, result)
}

func TestRun_ReportsToMetricsAndAnalytics(t *testing.T) {
	now := testutil.RefTime
	b1 := testutil.Block("one", now.Add(time.Minute))
	b2 := testutil.Block("two", now.Add(2*time.Minute))
	h := newHarness(t, b1, b2)
	h.resolver.failOwner(b2.OwnerID, errors.New("no address"))

	sinks := &recordingSinks{}
	h.disp.WithMetrics(sinks).WithAnalytics(sinks)

	result, err := h.disp.Run(testutil.TestContext(t), now)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{string(OutcomeSent), string(OutcomeSkippedNoRecipient)}, sinks.outcomes)
	assert.Equal(t, 1, sinks.runs)
	assert.NoError(t, sinks.runErr)
	require.Len(t, sinks.analytics, 1)
	assert.Equal(t, result, sinks.analytics[0])
}

func TestRunNow_UsesClock(t *testing.T) {
	clock := testutil.NewFakeClock(testutil.RefTime)
	b := testutil.Block("later", testutil.RefTime.Add(20*time.Minute))
	h := newHarness(t, b)
	h.disp.WithClock(clock.Now)

	result, err := h.disp.RunNow(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	clock.Advance(15 * time.Minute)
	result, err = h.disp.RunNow(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestClassifySend(t *testing.T) {
	tests := []struct {
		name string
		res  domain.SendResult
		err  error
		want string
	}{
		{"success", domain.SendResult{StatusCode: 200}, nil, "2xx"},
		{"deadline", domain.SendResult{}, context.DeadlineExceeded, "timeout"},
		{"dial", domain.SendResult{}, errors.New("dial tcp: connection refused"), "connection_error"},
		{"breaker", domain.SendResult{}, errors.New("circuit breaker is open"), "circuit_open"},
		{"client error", domain.SendResult{StatusCode: 422}, errors.New("status 422"), "4xx"},
		{"server error", domain.SendResult{StatusCode: 502}, errors.New("status 502"), "5xx"},
		{"unknown", domain.SendResult{}, errors.New("weird"), "other_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifySend(tt.res, tt.err))
		})
	}
}
