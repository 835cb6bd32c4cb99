package workflow

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/flowdesk/internal/approval"
	"github.com/pitabwire/flowdesk/model"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepBatch    = 100
)

// Scheduler fires approval timeouts. Requests opened by this process are
// kept in a due-time heap; a periodic sweep of the approval store catches
// requests opened elsewhere or before a restart, and reconciles runs whose
// resumption was interrupted.
type Scheduler struct {
	engine      *Engine
	approvals   *approval.Coordinator
	logger      *zap.Logger
	interval    time.Duration
	concurrency int
	now         func() time.Time

	mu     sync.Mutex
	timers dueHeap
	wake   chan struct{}
}

// NewScheduler creates a scheduler and registers it for approvals the engine
// opens.
func NewScheduler(engine *Engine, approvals *approval.Coordinator, interval time.Duration, concurrency int, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	s := &Scheduler{
		engine:      engine,
		approvals:   approvals,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
		wake:        make(chan struct{}, 1),
	}
	engine.OnApprovalOpened(s.Schedule)
	return s
}

// SetClock overrides the time source. For testing.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Schedule arms a timer for a pending request.
func (s *Scheduler) Schedule(req model.ApprovalRequest) {
	if req.Status != model.ApprovalPending {
		return
	}
	s.mu.Lock()
	heap.Push(&s.timers, req)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers.Len()
}

// Run fires timers and sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("approval scheduler started", zap.Duration("sweep_interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("approval scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("approval sweep failed", zap.Error(err))
			}
		case <-timer.C:
			s.FireDue(ctx)
		case <-s.wake:
		}
		timer.Reset(s.nextDelay())
	}
}

// nextDelay is the time until the earliest armed timer, capped at the sweep
// interval.
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers.Len() == 0 {
		return s.interval
	}
	d := s.timers[0].DueAt.Sub(s.now())
	if d < 0 {
		return 0
	}
	return min(d, s.interval)
}

// FireDue expires every armed request whose due time has passed and returns
// how many were handed to the engine.
func (s *Scheduler) FireDue(ctx context.Context) int {
	now := s.now()
	var due []model.ApprovalRequest
	s.mu.Lock()
	for s.timers.Len() > 0 && now.After(s.timers[0].DueAt) {
		due = append(due, heap.Pop(&s.timers).(model.ApprovalRequest))
	}
	s.mu.Unlock()

	s.expire(ctx, due)
	return len(due)
}

// Sweep expires overdue requests found in the approval store and reconciles
// interrupted runs. It returns the number of requests handed to the engine.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.approvals.FindDue(ctx, defaultSweepBatch)
	if err != nil {
		return 0, err
	}
	s.expire(ctx, due)

	advanced, err := s.engine.Reconcile(ctx)
	if err != nil {
		return len(due), err
	}
	if len(due) > 0 || advanced > 0 {
		s.logger.Info("approval sweep",
			zap.Int("expired", len(due)),
			zap.Int("reconciled", advanced),
		)
	}
	return len(due), nil
}

func (s *Scheduler) expire(ctx context.Context, due []model.ApprovalRequest) {
	if len(due) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, req := range due {
		g.Go(func() error {
			err := s.engine.Expire(gctx, req)
			if isBusy(err) {
				s.reschedule(req)
				return nil
			}
			if err != nil {
				s.logger.Error("approval expiry failed",
					zap.String("request_id", req.ID),
					zap.String("run_id", req.RunID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// reschedule retries a contended expiry on the next tick.
func (s *Scheduler) reschedule(req model.ApprovalRequest) {
	s.mu.Lock()
	heap.Push(&s.timers, req)
	s.mu.Unlock()
}

// dueHeap orders requests by due time.
type dueHeap []model.ApprovalRequest

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].ID < h[j].ID
	}
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) { *h = append(*h, x.(model.ApprovalRequest)) }

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
