package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Inserter is the slice of *river.Client the scheduler needs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverScheduler enqueues poll jobs. One live job per task: inserts are
// unique by args across every non-finalized state.
type RiverScheduler struct {
	client Inserter
	now    func() time.Time
}

func NewRiverScheduler(client Inserter) *RiverScheduler {
	return &RiverScheduler{client: client, now: time.Now}
}

var uniqueLive = river.UniqueOpts{
	ByArgs: true,
	ByState: []rivertype.JobState{
		rivertype.JobStateAvailable,
		rivertype.JobStatePending,
		rivertype.JobStateRunning,
		rivertype.JobStateRetryable,
		rivertype.JobStateScheduled,
	},
}

// Schedule matches generation.ScheduleFunc.
func (s *RiverScheduler) Schedule(ctx context.Context, taskID uuid.UUID, delay time.Duration) error {
	opts := &river.InsertOpts{UniqueOpts: uniqueLive}
	if delay > 0 {
		opts.ScheduledAt = s.now().Add(delay)
	}
	if _, err := s.client.Insert(ctx, PollGenerationArgs{TaskID: taskID}, opts); err != nil {
		return fmt.Errorf("enqueue poll for task %s: %w", taskID, err)
	}
	return nil
}
