// Package execution runs the generation poll loop as durable River jobs.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/framecredit/backend/internal/generation"
	"github.com/framecredit/backend/internal/models"
)

const pollJobTimeout = 2 * time.Minute

type PollGenerationArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (PollGenerationArgs) Kind() string { return "poll_generation" }

// TaskPoller performs one poll of a task; generation.Service implements it.
type TaskPoller interface {
	Poll(ctx context.Context, taskID uuid.UUID) (*models.GenerationTask, bool, error)
}

// PollGenerationWorker performs one status fetch per run and snoozes the job
// until the task is terminal and settled.
type PollGenerationWorker struct {
	river.WorkerDefaults[PollGenerationArgs]
	tasks    TaskPoller
	interval time.Duration
	log      *slog.Logger
}

func NewPollGenerationWorker(tasks TaskPoller, interval time.Duration, log *slog.Logger) *PollGenerationWorker {
	if log == nil {
		log = slog.Default()
	}
	return &PollGenerationWorker{tasks: tasks, interval: interval, log: log}
}

func (w *PollGenerationWorker) Timeout(*river.Job[PollGenerationArgs]) time.Duration {
	return pollJobTimeout
}

func (w *PollGenerationWorker) Work(ctx context.Context, job *river.Job[PollGenerationArgs]) error {
	taskID := job.Args.TaskID
	task, done, err := w.tasks.Poll(ctx, taskID)
	if errors.Is(err, generation.ErrTaskNotFound) {
		w.log.Error("poll job for unknown task cancelled", "task_id", taskID, "job_id", job.ID)
		return river.JobCancel(err)
	}
	if err != nil {
		// Store and ledger failures go through River's retry backoff.
		return fmt.Errorf("poll task %s: %w", taskID, err)
	}
	if done {
		w.log.Info("poll job finished", "task_id", taskID, "state", task.State, "attempts", task.PollAttempts)
		return nil
	}
	return river.JobSnooze(w.interval)
}
