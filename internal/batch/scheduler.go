package batch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raphaelgruber/annotator/internal/models"
)

// queued is a pending job waiting for a worker.
type queued struct {
	id        string
	rank      int
	createdAt time.Time
}

// jobQueue orders jobs by priority, then oldest first.
type jobQueue []queued

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].rank != q[j].rank {
		return q[i].rank > q[j].rank
	}
	return q[i].createdAt.Before(q[j].createdAt)
}
func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x any)   { *q = append(*q, x.(queued)) }
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type scheduler struct {
	o       *Orchestrator
	workers int

	mu      sync.Mutex
	queue   jobQueue
	queued  map[string]bool
	started bool
	closed  bool
	notify  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newScheduler(o *Orchestrator, workers int) *scheduler {
	return &scheduler{
		o:       o,
		workers: workers,
		queued:  make(map[string]bool),
		notify:  make(chan struct{}, 1),
	}
}

// Start runs the scheduler workers until ctx is cancelled or Close is called.
// Jobs enqueued before Start wait in the queue.
func (o *Orchestrator) Start(ctx context.Context) {
	o.sched.start(ctx)
}

// Enqueue schedules a pending job for execution by priority. The job is
// persisted as queued so a restart resumes it.
func (o *Orchestrator) Enqueue(id string) error {
	if err := o.sched.enqueue(id); err != nil {
		return err
	}
	if st, err := o.get(id); err == nil {
		o.persistJob(context.Background(), st)
	}
	return nil
}

// StartRetention runs CleanupOldBatches every interval until ctx is cancelled or Close is called.
func (o *Orchestrator) StartRetention(ctx context.Context, interval time.Duration, days int) {
	if interval <= 0 {
		return
	}
	ctx = o.sched.track(ctx)
	if ctx == nil {
		return
	}
	go func() {
		defer o.sched.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := o.CleanupOldBatches(ctx, days)
				if err != nil {
					o.logger.Warn("batch retention failed", "error", err)
					continue
				}
				if n > 0 {
					o.logger.Info("batch retention removed jobs", "count", n, "days_to_keep", days)
				}
			}
		}
	}()
}

func (s *scheduler) enqueue(id string) error {
	st, err := s.o.get(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	status := st.job.Status
	item := queued{id: id, rank: st.job.Options.Priority.Rank(), createdAt: st.job.CreatedAt}
	if status == models.BatchStatusPending && st.job.QueuedAt == nil {
		now := s.o.now().UTC()
		st.job.QueuedAt = &now
	}
	st.mu.Unlock()
	if status != models.BatchStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotRunnable, id, status)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("scheduler closed")
	}
	if !s.queued[id] {
		s.queued[id] = true
		heap.Push(&s.queue, item)
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *scheduler) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// track derives a cancellable context and registers one goroutine with the wait group.
// It returns nil once the scheduler is closed.
func (s *scheduler) track(ctx context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.cancel == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		s.cancel = cancel
	} else {
		prev := s.cancel
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		s.cancel = func() { prev(); cancel() }
	}
	s.wg.Add(1)
	return ctx
}

func (s *scheduler) start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		wctx := s.track(ctx)
		if wctx == nil {
			return
		}
		go s.work(wctx)
	}
	s.signal()
}

func (s *scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		for {
			id, ok := s.next()
			if !ok {
				break
			}
			// Wake another worker for the rest of the queue.
			s.signal()
			if err := s.o.Run(ctx, id); err != nil {
				if errors.Is(err, ErrNotRunnable) || errors.Is(err, ErrJobNotFound) {
					s.o.logger.Debug("skipped queued batch", "batch_id", id, "error", err)
				} else {
					s.o.logger.Error("batch run failed", "batch_id", id, "error", err)
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *scheduler) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return "", false
	}
	item := heap.Pop(&s.queue).(queued)
	delete(s.queued, item.id)
	return item.id, true
}

// pending returns the queued job ids in dispatch order.
func (s *scheduler) pending() []string {
	s.mu.Lock()
	q := append(jobQueue(nil), s.queue...)
	s.mu.Unlock()
	ids := make([]string, 0, len(q))
	for q.Len() > 0 {
		ids = append(ids, heap.Pop(&q).(queued).id)
	}
	return ids
}

func (s *scheduler) close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
