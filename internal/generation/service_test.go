package generation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/ledger"
	"github.com/framecredit/backend/internal/models"
	"github.com/framecredit/backend/internal/providers"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fetchResult struct {
	status providers.Status
	err    error
}

// fakeAdapter replays scripted fetch results; the last one repeats.
type fakeAdapter struct {
	name      string
	modes     []models.Mode
	submitErr error
	onSubmit  func()

	mu       sync.Mutex
	script   []fetchResult
	submits  int
	fetches  int
	lastSubm providers.Request
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Supports(mode models.Mode) bool {
	for _, m := range f.modes {
		if m == mode {
			return true
		}
	}
	return false
}

func (f *fakeAdapter) Validate(providers.Request) error { return nil }

func (f *fakeAdapter) Submit(_ context.Context, req providers.Request) (string, error) {
	if f.onSubmit != nil {
		f.onSubmit()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.lastSubm = req
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "ext-" + f.name, nil
}

func (f *fakeAdapter) FetchStatus(context.Context, string) (providers.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.script) == 0 {
		return providers.Status{State: providers.StateRunning}, nil
	}
	r := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return r.status, r.err
}

func (f *fakeAdapter) counts() (submits, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.fetches
}

func running() fetchResult { return fetchResult{status: providers.Status{State: providers.StateRunning}} }

func succeeded(url string) fetchResult {
	return fetchResult{status: providers.Status{State: providers.StateSucceeded, ResultURL: url}}
}

// flakyLedger fails the first commit it sees.
type flakyLedger struct {
	ledger.Service
	mu     sync.Mutex
	failed bool
}

func (f *flakyLedger) Commit(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	first := !f.failed
	f.failed = true
	f.mu.Unlock()
	if first {
		return errors.New("ledger unavailable")
	}
	return f.Service.Commit(ctx, id)
}

// ctxTaskStore fails writes once the caller's context is done, as a database
// driver would.
type ctxTaskStore struct{ *MemoryTaskStore }

func (s ctxTaskStore) Create(ctx context.Context, t *models.GenerationTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryTaskStore.Create(ctx, t)
}

func (s ctxTaskStore) Update(ctx context.Context, t *models.GenerationTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryTaskStore.Update(ctx, t)
}

type harness struct {
	svc      Service
	ledger   ledger.Service
	balances *ledger.MemoryStore
	tasks    *MemoryTaskStore

	mu        sync.Mutex
	scheduled []uuid.UUID
}

func (h *harness) schedule(_ context.Context, id uuid.UUID, _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scheduled = append(h.scheduled, id)
	return nil
}

func (h *harness) scheduledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.scheduled)
}

type harnessOpt func(*harnessConfig)

type harnessConfig struct {
	policy   Policy
	wrap     func(ledger.Service) ledger.Service
	ctxStore bool
	log      *slog.Logger
}

func withPolicy(p Policy) harnessOpt { return func(c *harnessConfig) { c.policy = p } }

func withLedger(wrap func(ledger.Service) ledger.Service) harnessOpt {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func withLogger(l *slog.Logger) harnessOpt { return func(c *harnessConfig) { c.log = l } }

func withContextAwareStore() harnessOpt { return func(c *harnessConfig) { c.ctxStore = true } }

// newHarness registers each adapter at 30 credits per task.
func newHarness(t *testing.T, adapters []*fakeAdapter, opts ...harnessOpt) *harness {
	t.Helper()
	cfg := harnessConfig{
		policy: Policy{Interval: time.Millisecond, MaxAttempts: 5},
		log:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(&cfg)
	}
	reg := providers.NewRegistry()
	for _, a := range adapters {
		if err := reg.Register(a, 30); err != nil {
			t.Fatalf("register %s: %v", a.name, err)
		}
	}
	h := &harness{balances: ledger.NewMemoryStore(), tasks: NewMemoryTaskStore()}
	h.ledger = ledger.NewService(h.balances, cfg.log)
	l := h.ledger
	if cfg.wrap != nil {
		l = cfg.wrap(l)
	}
	var tasks TaskStore = h.tasks
	if cfg.ctxStore {
		tasks = ctxTaskStore{h.tasks}
	}
	h.svc = NewService(tasks, l, reg, cfg.policy, h.schedule, cfg.log)
	return h
}

func (h *harness) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), account)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b
}

func bothModes(name string) *fakeAdapter {
	return &fakeAdapter{name: name, modes: []models.Mode{models.ModeTextToVideo, models.ModeImageToVideo}}
}

var textReq = Request{Mode: models.ModeTextToVideo, Prompt: "a lighthouse in fog"}

// ---------------------------------------------------------------------------
// 1. Create
// ---------------------------------------------------------------------------

func TestCreate_ReservesAndSchedules(t *testing.T) {
	veo := bothModes("veo")
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 100)

	task, err := h.svc.Create(context.Background(), "user-1", textReq)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.State != models.TaskSubmitted {
		t.Errorf("state: got %s, want Submitted", task.State)
	}
	if task.ProviderTaskID != "ext-veo" || task.CreditsReserved != 30 {
		t.Errorf("unexpected task: %+v", task)
	}
	if got := h.balance(t, "user-1"); got != 70 {
		t.Errorf("balance: got %d, want 70", got)
	}
	if h.scheduledCount() != 1 {
		t.Errorf("expected one scheduled poll, got %d", h.scheduledCount())
	}
}

func TestCreate_InsufficientCreditsCreatesNothing(t *testing.T) {
	veo := bothModes("veo")
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 20)

	_, err := h.svc.Create(context.Background(), "user-1", textReq)
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := h.balance(t, "user-1"); got != 20 {
		t.Errorf("balance changed: %d", got)
	}
	list, _ := h.tasks.ListByAccount(context.Background(), "user-1", 10)
	if len(list) != 0 {
		t.Errorf("expected no tasks, got %d", len(list))
	}
	if submits, _ := veo.counts(); submits != 0 {
		t.Errorf("provider should not be contacted, got %d submits", submits)
	}
}

func TestCreate_RejectedSubmissionRefundsWithoutPolling(t *testing.T) {
	veo := bothModes("veo")
	veo.submitErr = &providers.RejectedError{Provider: "veo", Reason: "prompt violates policy"}
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 100)

	task, err := h.svc.Create(context.Background(), "user-1", textReq)
	if !errors.Is(err, ErrSubmitFailed) || !errors.Is(err, providers.ErrProviderRejected) {
		t.Fatalf("expected rejected submission, got %v", err)
	}
	if task == nil || task.State != models.TaskRefunded {
		t.Fatalf("expected Refunded task, got %+v", task)
	}
	if task.Settlement != models.SettlementRefunded || task.FailureKind != models.FailureProviderRejected {
		t.Errorf("settlement=%s kind=%s", task.Settlement, task.FailureKind)
	}
	if task.FailureReason == nil || *task.FailureReason != "prompt violates policy" {
		t.Errorf("failure reason: %v", task.FailureReason)
	}
	if got := h.balance(t, "user-1"); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
	if h.scheduledCount() != 0 {
		t.Error("rejected task must not be polled")
	}
	if _, fetches := veo.counts(); fetches != 0 {
		t.Errorf("expected no status fetches, got %d", fetches)
	}
}

func TestCreate_UnknownSubmitOutcomeAlsoRefunds(t *testing.T) {
	veo := bothModes("veo")
	veo.submitErr = &providers.SubmitError{Provider: "veo", Status: 503}
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 100)

	task, err := h.svc.Create(context.Background(), "user-1", textReq)
	if !errors.Is(err, ErrSubmitFailed) || errors.Is(err, providers.ErrProviderRejected) {
		t.Fatalf("expected non-rejection submit failure, got %v", err)
	}
	if task.State != models.TaskRefunded || h.balance(t, "user-1") != 100 {
		t.Errorf("state=%s balance=%d", task.State, h.balance(t, "user-1"))
	}
}

func TestCreate_CallerGoneDuringSubmitStillSchedules(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	veo := bothModes("veo")
	veo.onSubmit = cancel
	h := newHarness(t, []*fakeAdapter{veo}, withContextAwareStore())
	h.balances.SetBalance("user-1", 100)

	task, err := h.svc.Create(ctx, "user-1", textReq)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context was not cancelled during submit")
	}
	stored, err := h.tasks.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.State != models.TaskSubmitted || stored.ProviderTaskID != "ext-veo" {
		t.Errorf("stored task: state=%s provider_task_id=%q", stored.State, stored.ProviderTaskID)
	}
	if h.scheduledCount() != 1 {
		t.Errorf("scheduled: got %d, want 1", h.scheduledCount())
	}
	if got := h.balance(t, "user-1"); got != 70 {
		t.Errorf("balance: got %d, want 70", got)
	}
}

func TestCreate_CallerGoneDuringFailedSubmitStillRefunds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	veo := bothModes("veo")
	veo.onSubmit = cancel
	veo.submitErr = &providers.SubmitError{Provider: "veo", Status: 503}
	h := newHarness(t, []*fakeAdapter{veo}, withContextAwareStore())
	h.balances.SetBalance("user-1", 100)

	task, err := h.svc.Create(ctx, "user-1", textReq)
	if !errors.Is(err, ErrSubmitFailed) {
		t.Fatalf("expected submit failure, got %v", err)
	}
	stored, err := h.tasks.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.State != models.TaskRefunded || stored.Settlement != models.SettlementRefunded {
		t.Errorf("stored task: state=%s settlement=%s", stored.State, stored.Settlement)
	}
	if got := h.balance(t, "user-1"); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, []*fakeAdapter{bothModes("veo")})
	h.balances.SetBalance("user-1", 100)

	cases := map[string]Request{
		"missing mode":         {Prompt: "a lighthouse"},
		"unknown mode":         {Mode: "audio", Prompt: "a lighthouse"},
		"short prompt":         {Mode: models.ModeTextToVideo, Prompt: "hi"},
		"image mode, no image": {Mode: models.ModeImageToVideo, Prompt: "animate this"},
		"bad image url":        {Mode: models.ModeImageToVideo, Prompt: "animate this", ImageURL: "not a url"},
		"bad duration":         {Mode: models.ModeTextToVideo, Prompt: "a lighthouse", Duration: 7},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Create(context.Background(), "user-1", req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if got := h.balance(t, "user-1"); got != 100 {
		t.Errorf("validation failures must not reserve, balance=%d", got)
	}
}

// ---------------------------------------------------------------------------
// 2. Routing
// ---------------------------------------------------------------------------

func TestTextToVideoNeverRoutedToImageOnlyProvider(t *testing.T) {
	runway := &fakeAdapter{name: "runway", modes: []models.Mode{models.ModeImageToVideo}}
	veo := bothModes("veo")
	h := newHarness(t, []*fakeAdapter{runway, veo})
	h.balances.SetBalance("user-1", 100)

	task, err := h.svc.Create(context.Background(), "user-1", textReq)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Provider != "veo" {
		t.Errorf("routed to %s", task.Provider)
	}

	named := textReq
	named.Provider = "runway"
	if _, err := h.svc.Create(context.Background(), "user-1", named); !errors.Is(err, providers.ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
	if submits, _ := runway.counts(); submits != 0 {
		t.Errorf("image-only provider received %d submissions", submits)
	}
	if got := h.balance(t, "user-1"); got != 70 {
		t.Errorf("balance: got %d, want 70", got)
	}
}

func TestQuote(t *testing.T) {
	h := newHarness(t, []*fakeAdapter{bothModes("veo")})
	cost, err := h.svc.Quote("", models.ModeImageToVideo)
	if err != nil || cost != 30 {
		t.Fatalf("Quote: cost=%d err=%v", cost, err)
	}
	if _, err := h.svc.Quote("sora", models.ModeTextToVideo); !errors.Is(err, providers.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 3. Poll
// ---------------------------------------------------------------------------

func createTask(t *testing.T, h *harness, account string) *models.GenerationTask {
	t.Helper()
	task, err := h.svc.Create(context.Background(), account, textReq)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func TestPoll_SuccessCommits(t *testing.T) {
	veo := bothModes("veo")
	veo.script = []fetchResult{running(), succeeded("https://cdn.example/v.mp4")}
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	got, done, err := h.svc.Poll(context.Background(), task.ID)
	if err != nil || done {
		t.Fatalf("first poll: done=%v err=%v", done, err)
	}
	if got.State != models.TaskRunning {
		t.Errorf("state: got %s, want Running", got.State)
	}

	got, done, err = h.svc.Poll(context.Background(), task.ID)
	if err != nil || !done {
		t.Fatalf("second poll: done=%v err=%v", done, err)
	}
	if got.State != models.TaskSucceeded || got.Settlement != models.SettlementCommitted {
		t.Errorf("state=%s settlement=%s", got.State, got.Settlement)
	}
	if got.ResultURL == nil || *got.ResultURL != "https://cdn.example/v.mp4" {
		t.Errorf("result url: %v", got.ResultURL)
	}
	if got.PollAttempts != 2 {
		t.Errorf("attempts: got %d, want 2", got.PollAttempts)
	}
	if b := h.balance(t, "user-1"); b != 70 {
		t.Errorf("balance: got %d, want 70", b)
	}

	// A late refund of a committed reservation changes nothing.
	if err := h.ledger.Refund(context.Background(), got.ReservationID); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if b := h.balance(t, "user-1"); b != 70 {
		t.Errorf("balance after late refund: got %d, want 70", b)
	}
}

func TestPoll_NeverTerminalTimesOutAndRefunds(t *testing.T) {
	veo := bothModes("veo")
	h := newHarness(t, []*fakeAdapter{veo}, withPolicy(Policy{Interval: time.Millisecond, MaxAttempts: 3}))
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	var (
		got  *models.GenerationTask
		done bool
		err  error
	)
	for i := 1; i <= 3; i++ {
		got, done, err = h.svc.Poll(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if i < 3 && done {
			t.Fatalf("poll %d reported done early", i)
		}
	}
	if !done || got.State != models.TaskTimedOut || got.FailureKind != models.FailureTimeout {
		t.Fatalf("done=%v state=%s kind=%s", done, got.State, got.FailureKind)
	}
	if got.Settlement != models.SettlementRefunded {
		t.Errorf("settlement: %s", got.Settlement)
	}
	if b := h.balance(t, "user-1"); b != 100 {
		t.Errorf("balance: got %d, want 100", b)
	}
	if _, fetches := veo.counts(); fetches != 3 {
		t.Errorf("fetches: got %d, want 3", fetches)
	}
}

func TestPoll_SuccessWithoutURLFailsAndRefunds(t *testing.T) {
	veo := bothModes("veo")
	veo.script = []fetchResult{succeeded("")}
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	got, done, err := h.svc.Poll(context.Background(), task.ID)
	if err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if got.State != models.TaskFailed || got.FailureKind != models.FailureProvider {
		t.Errorf("state=%s kind=%s", got.State, got.FailureKind)
	}
	if b := h.balance(t, "user-1"); b != 100 {
		t.Errorf("balance: got %d, want 100", b)
	}
}

func TestPoll_ProviderFailureRefunds(t *testing.T) {
	veo := bothModes("veo")
	veo.script = []fetchResult{{status: providers.Status{State: providers.StateFailed, FailureReason: "content filtered"}}}
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	got, done, _ := h.svc.Poll(context.Background(), task.ID)
	if !done || got.State != models.TaskFailed {
		t.Fatalf("done=%v state=%s", done, got.State)
	}
	if got.FailureReason == nil || *got.FailureReason != "content filtered" {
		t.Errorf("failure reason: %v", got.FailureReason)
	}
	if b := h.balance(t, "user-1"); b != 100 {
		t.Errorf("balance: got %d, want 100", b)
	}
}

func TestPoll_TransientErrorConsumesAttempt(t *testing.T) {
	veo := bothModes("veo")
	veo.script = []fetchResult{
		{err: errors.New("veo: " + providers.ErrTransientFetch.Error())},
		succeeded("https://cdn.example/v.mp4"),
	}
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	got, done, err := h.svc.Poll(context.Background(), task.ID)
	if err != nil || done {
		t.Fatalf("first poll: done=%v err=%v", done, err)
	}
	if got.State != models.TaskSubmitted || got.PollAttempts != 1 {
		t.Errorf("transient fetch changed state: state=%s attempts=%d", got.State, got.PollAttempts)
	}

	got, done, _ = h.svc.Poll(context.Background(), task.ID)
	if !done || got.State != models.TaskSucceeded || got.PollAttempts != 2 {
		t.Errorf("done=%v state=%s attempts=%d", done, got.State, got.PollAttempts)
	}
}

func TestPoll_TerminalFirstFetchPassesThroughRunning(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	veo := bothModes("veo")
	veo.script = []fetchResult{succeeded("https://cdn.example/v.mp4")}
	h := newHarness(t, []*fakeAdapter{veo}, withLogger(log))
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	if _, done, err := h.svc.Poll(context.Background(), task.ID); err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	out := buf.String()
	for _, want := range []string{
		`"from":"Submitted","to":"Running"`,
		`"from":"Running","to":"Succeeded"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing transition %s in log", want)
		}
	}
}

func TestPoll_TerminalTaskIsReentrant(t *testing.T) {
	veo := bothModes("veo")
	veo.script = []fetchResult{succeeded("https://cdn.example/v.mp4")}
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	for i := 0; i < 3; i++ {
		got, done, err := h.svc.Poll(context.Background(), task.ID)
		if err != nil || !done || got.State != models.TaskSucceeded {
			t.Fatalf("poll %d: done=%v state=%s err=%v", i, done, got.State, err)
		}
	}
	if _, fetches := veo.counts(); fetches != 1 {
		t.Errorf("terminal task fetched %d times", fetches)
	}
	if b := h.balance(t, "user-1"); b != 70 {
		t.Errorf("balance: got %d, want 70", b)
	}
}

func TestPoll_PendingSettlementIsRetried(t *testing.T) {
	veo := bothModes("veo")
	veo.script = []fetchResult{succeeded("https://cdn.example/v.mp4")}
	h := newHarness(t, []*fakeAdapter{veo}, withLedger(func(l ledger.Service) ledger.Service {
		return &flakyLedger{Service: l}
	}))
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	got, done, err := h.svc.Poll(context.Background(), task.ID)
	if err == nil || done {
		t.Fatalf("expected settlement failure, done=%v err=%v", done, err)
	}
	if got.State != models.TaskSucceeded || got.Settlement != models.SettlementPending {
		t.Fatalf("state=%s settlement=%s", got.State, got.Settlement)
	}

	got, done, err = h.svc.Poll(context.Background(), task.ID)
	if err != nil || !done || got.Settlement != models.SettlementCommitted {
		t.Fatalf("retry: done=%v settlement=%s err=%v", done, got.Settlement, err)
	}
	if _, fetches := veo.counts(); fetches != 1 {
		t.Errorf("settlement retry refetched status, fetches=%d", fetches)
	}
}

func TestPoll_ConcurrentPollsSettleOnce(t *testing.T) {
	veo := bothModes("veo")
	veo.script = []fetchResult{succeeded("https://cdn.example/v.mp4")}
	h := newHarness(t, []*fakeAdapter{veo})
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.svc.Poll(context.Background(), task.ID)
		}()
	}
	wg.Wait()

	entries, err := h.ledger.History(context.Background(), "user-1", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	commits, refunds := 0, 0
	for _, e := range entries {
		switch e.EntryType {
		case models.CreditEntryCommit:
			commits++
		case models.CreditEntryRefund:
			refunds++
		}
	}
	if commits != 1 || refunds != 0 {
		t.Errorf("commits=%d refunds=%d", commits, refunds)
	}
	if _, fetches := veo.counts(); fetches != 1 {
		t.Errorf("fetches: got %d, want 1", fetches)
	}
}

func TestPoll_UnknownTask(t *testing.T) {
	h := newHarness(t, []*fakeAdapter{bothModes("veo")})
	if _, _, err := h.svc.Poll(context.Background(), uuid.New()); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 4. Get / List
// ---------------------------------------------------------------------------

func TestGetIsOwnerScoped(t *testing.T) {
	h := newHarness(t, []*fakeAdapter{bothModes("veo")})
	h.balances.SetBalance("user-1", 100)
	task := createTask(t, h, "user-1")

	if _, err := h.svc.Get(context.Background(), "user-1", task.ID); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	if _, err := h.svc.Get(context.Background(), "user-2", task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound for other account, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	h := newHarness(t, []*fakeAdapter{bothModes("veo")})
	h.balances.SetBalance("user-1", 100)
	svc := h.svc.(*service)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		svc.now = func() time.Time { return at }
		ids = append(ids, createTask(t, h, "user-1").ID)
	}

	list, err := h.svc.List(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Fatalf("unexpected order: %v", list)
	}
}

// ---------------------------------------------------------------------------
// 5. Recover
// ---------------------------------------------------------------------------

func seedTask(t *testing.T, h *harness, state models.TaskState, createdAt time.Time) *models.GenerationTask {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	res, err := h.ledger.Reserve(ctx, "user-1", id, 30)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	task := &models.GenerationTask{
		ID:              id,
		AccountID:       "user-1",
		Provider:        "veo",
		ProviderTaskID:  "ext-veo",
		Mode:            models.ModeTextToVideo,
		Prompt:          "seeded",
		CreditsReserved: 30,
		ReservationID:   res.ID,
		State:           state,
		Settlement:      models.SettlementPending,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	if err := h.tasks.Create(ctx, task); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return task
}

func TestRecover(t *testing.T) {
	h := newHarness(t, []*fakeAdapter{bothModes("veo")})
	h.balances.SetBalance("user-1", 150)
	now := time.Now().UTC()

	inFlight := seedTask(t, h, models.TaskRunning, now.Add(-time.Minute))
	abandoned := seedTask(t, h, models.TaskReserved, now.Add(-time.Hour))
	submitting := seedTask(t, h, models.TaskReserved, now)
	failed := seedTask(t, h, models.TaskFailed, now.Add(-time.Minute))
	completed := seedTask(t, h, models.TaskSucceeded, now.Add(-time.Minute))
	if b := h.balance(t, "user-1"); b != 0 {
		t.Fatalf("seeding should hold everything, balance=%d", b)
	}

	if err := h.svc.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if h.scheduledCount() != 1 || h.scheduled[0] != inFlight.ID {
		t.Errorf("expected only the running task rescheduled, got %v", h.scheduled)
	}
	get := func(id uuid.UUID) *models.GenerationTask {
		got, err := h.tasks.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		return got
	}
	if got := get(abandoned.ID); got.State != models.TaskRefunded || got.Settlement != models.SettlementRefunded {
		t.Errorf("abandoned: state=%s settlement=%s", got.State, got.Settlement)
	}
	if got := get(submitting.ID); got.State != models.TaskReserved {
		t.Errorf("fresh reservation touched: %s", got.State)
	}
	if got := get(failed.ID); got.Settlement != models.SettlementRefunded {
		t.Errorf("failed: settlement=%s", got.Settlement)
	}
	if got := get(completed.ID); got.Settlement != models.SettlementCommitted {
		t.Errorf("completed: settlement=%s", got.Settlement)
	}
	// abandoned + failed refunded; inFlight, submitting and completed still spent.
	if b := h.balance(t, "user-1"); b != 60 {
		t.Errorf("balance: got %d, want 60", b)
	}
}
