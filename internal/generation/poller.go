package generation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/models"
)

// ErrPollerStopped is returned by Schedule after Stop.
var ErrPollerStopped = errors.New("poller stopped")

// PollFunc performs one poll of a task. Service.Poll satisfies it.
type PollFunc func(ctx context.Context, taskID uuid.UUID) (*models.GenerationTask, bool, error)

// LocalPoller runs one goroutine per in-flight task. Loops run on the
// poller's own context so they outlive the request that created the task.
type LocalPoller struct {
	poll     PollFunc
	interval time.Duration
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[uuid.UUID]struct{}
	stopped bool
}

func NewLocalPoller(poll PollFunc, interval time.Duration, log *slog.Logger) *LocalPoller {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalPoller{
		poll:     poll,
		interval: interval,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[uuid.UUID]struct{}),
	}
}

// Schedule starts a poll loop for taskID unless one is already running.
// It matches ScheduleFunc.
func (p *LocalPoller) Schedule(_ context.Context, taskID uuid.UUID, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPollerStopped
	}
	if _, running := p.active[taskID]; running {
		return nil
	}
	p.active[taskID] = struct{}{}
	p.wg.Add(1)
	go p.run(taskID, delay)
	return nil
}

func (p *LocalPoller) run(taskID uuid.UUID, delay time.Duration) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.active, taskID)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}
		_, done, err := p.poll(p.ctx, taskID)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				p.log.Error("poll loop: task vanished", "task_id", taskID)
				return
			}
			p.log.Warn("poll loop: poll failed", "task_id", taskID, "error", err)
		}
		if done {
			return
		}
		timer.Reset(p.interval)
	}
}

// Active returns the number of running poll loops.
func (p *LocalPoller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Stop cancels every loop and waits for them to exit. In-flight tasks are
// picked up again by Recover on the next start.
func (p *LocalPoller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
