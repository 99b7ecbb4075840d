// Package providers normalizes external video generation APIs behind one
// Adapter contract. Adapters are stateless; task state lives in the
// orchestrator.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/framecredit/backend/internal/models"
)

var (
	// ErrProviderRejected marks a submission the provider refused. Use
	// errors.As with *RejectedError for the reason.
	ErrProviderRejected = errors.New("provider rejected submission")
	// ErrTransientFetch marks a status fetch that could not be interpreted.
	// The caller retries on the next poll.
	ErrTransientFetch = errors.New("transient status fetch error")
	// ErrUnsupportedMode is returned when no adapter can serve a mode.
	ErrUnsupportedMode = errors.New("no provider supports this mode")
	// ErrUnknownProvider is returned for a provider name that is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// RejectedError carries the provider's refusal reason.
type RejectedError struct {
	Provider string
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected submission: %s", e.Provider, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrProviderRejected }

// SubmitError is a submission that failed on the provider side without an
// explicit refusal (5xx or an unreadable envelope).
type SubmitError struct {
	Provider string
	Status   int
	Err      error
}

func (e *SubmitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s submit failed (HTTP %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s submit failed (HTTP %d)", e.Provider, e.Status)
}

func (e *SubmitError) Unwrap() error { return e.Err }

func rejected(provider, format string, args ...any) error {
	return &RejectedError{Provider: provider, Reason: fmt.Sprintf(format, args...)}
}

func transient(provider, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", provider, ErrTransientFetch, fmt.Sprintf(format, args...))
}

// State is the provider-independent job state.
type State string

const (
	StateRunning   State = "Running"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

// Status is a normalized status report.
type Status struct {
	State         State
	ResultURL     string
	FailureReason string
}

// Request is one generation submission.
type Request struct {
	Mode        models.Mode
	Prompt      string
	ImageURL    string
	AspectRatio string
	// Duration in seconds; only some providers honor it.
	Duration int
}

// Adapter is implemented once per provider.
type Adapter interface {
	Name() string
	Supports(mode models.Mode) bool
	// Validate checks a request against the provider's parameter rules
	// without contacting it. Failures are *RejectedError.
	Validate(req Request) error
	// Submit returns the provider's task id. A refusal is a *RejectedError;
	// any other error means the submission outcome is unknown.
	Submit(ctx context.Context, req Request) (string, error)
	// FetchStatus errors always wrap ErrTransientFetch.
	FetchStatus(ctx context.Context, externalTaskID string) (Status, error)
}
