// Package generation runs video generation tasks: reserve credits, submit to
// a provider, poll until the provider reaches a verdict, then commit or
// refund the reservation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/moby/locker"

	"github.com/framecredit/backend/internal/ledger"
	"github.com/framecredit/backend/internal/models"
	"github.com/framecredit/backend/internal/providers"
)

const (
	defaultListLimit = 50
	submitTimeout    = 60 * time.Second
	// A Reserved task older than this is treated as an interrupted submission.
	submitGrace = 2 * submitTimeout
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrSubmitFailed is returned by Create when the provider did not accept
	// the task. The returned task is Refunded.
	ErrSubmitFailed = errors.New("provider submission failed")
)

// Policy bounds the poll loop. A task that is not terminal after
// MaxAttempts fetches times out.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{Interval: 10 * time.Second, MaxAttempts: 90}
}

// Request is a generation request as submitted by a client.
type Request struct {
	Provider    string      `json:"provider" validate:"omitempty,max=32"`
	Mode        models.Mode `json:"mode" validate:"required,oneof=text-to-video image-to-video"`
	Prompt      string      `json:"prompt" validate:"required,min=3,max=4000"`
	ImageURL    string      `json:"image_url" validate:"omitempty,url"`
	AspectRatio string      `json:"aspect_ratio" validate:"omitempty,max=8"`
	Duration    int         `json:"duration" validate:"omitempty,oneof=5 10"`
}

// ScheduleFunc arranges for Poll(taskID) to run after delay. Wired by main to
// either the River client or a LocalPoller.
type ScheduleFunc func(ctx context.Context, taskID uuid.UUID, delay time.Duration) error

type Service interface {
	// Quote returns the credit price of a task without reserving anything.
	Quote(provider string, mode models.Mode) (int64, error)
	Create(ctx context.Context, accountID string, req Request) (*models.GenerationTask, error)
	// Poll performs one status fetch. done is true once the task is terminal
	// and its reservation settled; the caller stops polling then.
	Poll(ctx context.Context, taskID uuid.UUID) (task *models.GenerationTask, done bool, err error)
	Get(ctx context.Context, accountID string, taskID uuid.UUID) (*models.GenerationTask, error)
	List(ctx context.Context, accountID string, limit int) ([]*models.GenerationTask, error)
	// Recover reschedules in-flight tasks and finishes interrupted
	// submissions and settlements. Call once on boot.
	Recover(ctx context.Context) error
	Policy() Policy
}

type service struct {
	tasks     TaskStore
	ledger    ledger.Service
	providers *providers.Registry
	policy    Policy
	schedule  ScheduleFunc
	validate  *validator.Validate
	locks     *locker.Locker
	log       *slog.Logger
	now       func() time.Time
}

// NewService wires the orchestrator. schedule is usually a closure over a
// scheduler constructed after the service.
func NewService(tasks TaskStore, ledgerSvc ledger.Service, registry *providers.Registry, policy Policy, schedule ScheduleFunc, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	if policy.Interval <= 0 || policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &service{
		tasks:     tasks,
		ledger:    ledgerSvc,
		providers: registry,
		policy:    policy,
		schedule:  schedule,
		validate:  validator.New(),
		locks:     locker.New(),
		log:       log,
		now:       time.Now,
	}
}

var _ Service = (*service)(nil)

func (s *service) lock(key string) (unlock func()) {
	s.locks.Lock(key)
	return func() { _ = s.locks.Unlock(key) }
}

func (s *service) Policy() Policy { return s.policy }

func (s *service) Quote(provider string, mode models.Mode) (int64, error) {
	_, cost, err := s.providers.Resolve(provider, mode)
	return cost, err
}

func (s *service) Create(ctx context.Context, accountID string, req Request) (*models.GenerationTask, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: missing account", ErrInvalidRequest)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Mode == models.ModeImageToVideo && req.ImageURL == "" {
		return nil, fmt.Errorf("%w: image-to-video requires image_url", ErrInvalidRequest)
	}
	adapter, cost, err := s.providers.Resolve(req.Provider, req.Mode)
	if err != nil {
		return nil, err
	}
	preq := providers.Request{
		Mode:        req.Mode,
		Prompt:      req.Prompt,
		ImageURL:    req.ImageURL,
		AspectRatio: req.AspectRatio,
		Duration:    req.Duration,
	}
	if err := adapter.Validate(preq); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	taskID := uuid.New()
	res, err := s.ledger.Reserve(ctx, accountID, taskID, cost)
	if err != nil {
		return nil, err
	}
	// Once credits are held the request runs to a stored verdict even if the
	// caller goes away.
	bg := context.WithoutCancel(ctx)

	now := s.now().UTC()
	task := &models.GenerationTask{
		ID:              taskID,
		AccountID:       accountID,
		Provider:        adapter.Name(),
		Mode:            req.Mode,
		Prompt:          req.Prompt,
		ImageURL:        req.ImageURL,
		AspectRatio:     req.AspectRatio,
		CreditsReserved: cost,
		ReservationID:   res.ID,
		State:           models.TaskReserved,
		Settlement:      models.SettlementPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.tasks.Create(bg, task); err != nil {
		if rerr := s.ledger.Refund(bg, res.ID); rerr != nil {
			s.log.Error("refund after failed task insert", "task_id", taskID, "reservation_id", res.ID, "error", rerr)
		}
		return nil, fmt.Errorf("create task: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(bg, submitTimeout)
	externalID, err := adapter.Submit(submitCtx, preq)
	cancel()
	if err != nil {
		s.log.Warn("provider submission failed", "task_id", task.ID, "provider", task.Provider, "error", err)
		s.fail(task, models.TaskRefunded, models.FailureProviderRejected, submitReason(err))
		if uerr := s.finish(bg, task); uerr != nil {
			s.log.Error("refund after failed submission", "task_id", task.ID, "error", uerr)
		}
		return task, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	task.ProviderTaskID = externalID
	s.transition(task, models.TaskSubmitted)
	if err := s.tasks.Update(bg, task); err != nil {
		return nil, fmt.Errorf("mark task submitted: %w", err)
	}
	s.log.Info("generation submitted",
		"task_id", task.ID, "account_id", accountID, "provider", task.Provider,
		"provider_task_id", externalID, "credits", cost)

	if err := s.schedule(bg, task.ID, s.policy.Interval); err != nil {
		// Recover picks the task up on the next boot.
		s.log.Error("schedule poll failed", "task_id", task.ID, "error", err)
	}
	return task.Clone(), nil
}

func (s *service) Poll(ctx context.Context, taskID uuid.UUID) (*models.GenerationTask, bool, error) {
	unlock := s.lock(taskID.String())
	defer unlock()

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if task.State.IsTerminal() {
		if task.Settlement == models.SettlementPending {
			if err := s.finish(ctx, task); err != nil {
				return task, false, err
			}
		}
		return task, true, nil
	}
	if task.State == models.TaskReserved {
		s.log.Warn("poll of unsubmitted task ignored", "task_id", task.ID)
		return task, true, nil
	}

	status, ferr := s.fetch(ctx, task)
	now := s.now().UTC()
	task.PollAttempts++
	task.LastPolledAt = &now
	task.UpdatedAt = now

	if ferr != nil {
		s.log.Warn("status fetch failed",
			"task_id", task.ID, "provider", task.Provider, "attempt", task.PollAttempts, "error", ferr)
	} else {
		s.apply(task, status)
	}

	if !task.State.IsTerminal() && task.PollAttempts >= s.policy.MaxAttempts {
		s.fail(task, models.TaskTimedOut, models.FailureTimeout,
			fmt.Sprintf("no terminal status after %d polls", task.PollAttempts))
	}

	if err := s.tasks.Update(ctx, task); err != nil {
		return task, false, fmt.Errorf("update task: %w", err)
	}
	if !task.State.IsTerminal() {
		return task, false, nil
	}
	if err := s.finish(ctx, task); err != nil {
		return task, false, err
	}
	return task, true, nil
}

func (s *service) fetch(ctx context.Context, task *models.GenerationTask) (providers.Status, error) {
	adapter, ok := s.providers.Get(task.Provider)
	if !ok {
		return providers.Status{}, fmt.Errorf("%w: provider %q is not configured", providers.ErrTransientFetch, task.Provider)
	}
	return adapter.FetchStatus(ctx, task.ProviderTaskID)
}

// apply folds a normalized status into the task. A terminal verdict seen on
// the first fetch still passes through Running.
func (s *service) apply(task *models.GenerationTask, st providers.Status) {
	if task.State == models.TaskSubmitted {
		s.transition(task, models.TaskRunning)
	}
	switch st.State {
	case providers.StateSucceeded:
		if st.ResultURL == "" {
			s.fail(task, models.TaskFailed, models.FailureProvider, "provider reported success without a result url")
			return
		}
		url := st.ResultURL
		task.ResultURL = &url
		s.transition(task, models.TaskSucceeded)
	case providers.StateFailed:
		reason := st.FailureReason
		if reason == "" {
			reason = "provider reported failure"
		}
		s.fail(task, models.TaskFailed, models.FailureProvider, reason)
	}
}

func (s *service) fail(task *models.GenerationTask, to models.TaskState, kind, reason string) {
	task.FailureKind = kind
	task.FailureReason = &reason
	s.transition(task, to)
}

func (s *service) transition(task *models.GenerationTask, to models.TaskState) {
	if task.State == to {
		return
	}
	s.log.Info("task state changed", "task_id", task.ID, "from", task.State, "to", to)
	task.State = to
	task.UpdatedAt = s.now().UTC()
}

// finish settles the reservation of a terminal task and persists the
// settlement. Both ledger calls are idempotent, so a retry after a partial
// failure is safe.
func (s *service) finish(ctx context.Context, task *models.GenerationTask) error {
	if err := s.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	settlement := models.SettlementRefunded
	var err error
	if task.State == models.TaskSucceeded {
		settlement = models.SettlementCommitted
		err = s.ledger.Commit(ctx, task.ReservationID)
	} else {
		err = s.ledger.Refund(ctx, task.ReservationID)
	}
	if err != nil {
		s.log.Error("settle reservation failed, will retry",
			"task_id", task.ID, "reservation_id", task.ReservationID, "error", err)
		return fmt.Errorf("settle task %s: %w", task.ID, err)
	}
	task.Settlement = settlement
	task.UpdatedAt = s.now().UTC()
	if err := s.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	s.log.Info("task settled",
		"task_id", task.ID, "state", task.State, "settlement", settlement, "credits", task.CreditsReserved)
	return nil
}

func (s *service) Get(ctx context.Context, accountID string, taskID uuid.UUID) (*models.GenerationTask, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AccountID != accountID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (s *service) List(ctx context.Context, accountID string, limit int) ([]*models.GenerationTask, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultListLimit
	}
	return s.tasks.ListByAccount(ctx, accountID, limit)
}

func (s *service) Recover(ctx context.Context) error {
	list, err := s.tasks.ListUnsettled(ctx)
	if err != nil {
		return fmt.Errorf("list unsettled tasks: %w", err)
	}
	var errs []error
	rescheduled, settled := 0, 0
	for _, t := range list {
		switch {
		case t.State.IsTerminal():
			if err := s.recoverSettlement(ctx, t.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			settled++
		case t.State == models.TaskReserved:
			if s.now().Sub(t.CreatedAt) < submitGrace {
				continue
			}
			if err := s.abandon(ctx, t.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			settled++
		default:
			if err := s.schedule(ctx, t.ID, 0); err != nil {
				errs = append(errs, fmt.Errorf("reschedule %s: %w", t.ID, err))
				continue
			}
			rescheduled++
		}
	}
	s.log.Info("task recovery complete", "rescheduled", rescheduled, "settled", settled, "errors", len(errs))
	return errors.Join(errs...)
}

func (s *service) recoverSettlement(ctx context.Context, id uuid.UUID) error {
	unlock := s.lock(id.String())
	defer unlock()
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Settlement != models.SettlementPending {
		return nil
	}
	return s.finish(ctx, task)
}

// abandon refunds a task whose submission never completed. Whether the
// provider received it is unknown; the user is not charged for it.
func (s *service) abandon(ctx context.Context, id uuid.UUID) error {
	unlock := s.lock(id.String())
	defer unlock()
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.State != models.TaskReserved {
		return nil
	}
	s.log.Warn("refunding interrupted submission", "task_id", task.ID, "created_at", task.CreatedAt)
	s.fail(task, models.TaskRefunded, models.FailureProviderRejected, "submission did not complete")
	return s.finish(ctx, task)
}

func submitReason(err error) string {
	var rej *providers.RejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}
