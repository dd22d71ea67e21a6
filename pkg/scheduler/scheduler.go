// Package scheduler runs deferred filesystem jobs in-process.
//
// Long-running subtree work (deep deletes, deep moves) is accepted
// synchronously and executed by a bounded worker pool, decoupling request
// latency from subtree size. Handlers are registered per job type; the
// scheduler itself knows nothing about filesystem semantics.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/balloonfs/balloon/internal/logger"
)

// JobType names a registered handler.
type JobType string

const (
	// JobDeleteNode soft-deletes or force-deletes a subtree.
	JobDeleteNode JobType = "deleteNode"

	// JobMoveNode finishes a deep parent change.
	JobMoveNode JobType = "moveNode"

	// JobPruneDeltaLog drops delta events past the retention window.
	JobPruneDeltaLog JobType = "pruneDeltaLog"

	// JobSweepBlobs removes orphaned physical blobs.
	JobSweepBlobs JobType = "sweepBlobs"
)

// Status is the lifecycle state of a submitted job.
type Status int

const (
	StatusPending Status = iota + 1
	StatusRunning
	StatusDone
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle identifies a submitted job.
type Handle string

// HandlerFunc executes one job.
type HandlerFunc func(ctx context.Context, payload any) error

type job struct {
	handle  Handle
	jobType JobType
	payload any
}

// JobState is the observable state of a job.
type JobState struct {
	Handle   Handle
	Type     JobType
	Status   Status
	Error    string
	Queued   time.Time
	Finished time.Time
}

// Default tuning values.
const (
	DefaultQueueSize  = 1000
	DefaultWorkers    = 4
	DefaultJobTimeout = 5 * time.Minute
)

// Config holds scheduler tuning knobs.
type Config struct {
	// QueueSize is the maximum number of pending jobs. Default: 1000
	QueueSize int

	// Workers is the number of concurrent job workers. Default: 4
	Workers int

	// JobTimeout bounds a single job execution. Default: 5 minutes
	JobTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:  DefaultQueueSize,
		Workers:    DefaultWorkers,
		JobTimeout: DefaultJobTimeout,
	}
}

// Scheduler is the in-process job executor.
type Scheduler struct {
	queue      chan job
	workers    int
	jobTimeout time.Duration

	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool

	mu       sync.Mutex
	handlers map[JobType]HandlerFunc
	states   map[Handle]*JobState
}

// New creates a scheduler with the given configuration.
func New(cfg Config) *Scheduler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	return &Scheduler{
		queue:      make(chan job, cfg.QueueSize),
		workers:    cfg.Workers,
		jobTimeout: cfg.JobTimeout,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
		handlers:   make(map[JobType]HandlerFunc),
		states:     make(map[Handle]*JobState),
	}
}

// Register binds a handler to a job type. Later registrations replace earlier
// ones.
func (s *Scheduler) Register(t JobType, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = fn
}

// Submit enqueues a job and returns its handle. Fails when the queue is full
// or the job type has no handler.
func (s *Scheduler) Submit(ctx context.Context, t JobType, payload any) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	_, registered := s.handlers[t]
	s.mu.Unlock()
	if !registered {
		return "", fmt.Errorf("no handler registered for job type %q", t)
	}

	h := Handle(uuid.NewString())
	j := job{handle: h, jobType: t, payload: payload}

	select {
	case s.queue <- j:
		s.mu.Lock()
		s.states[h] = &JobState{
			Handle: h,
			Type:   t,
			Status: StatusPending,
			Queued: time.Now(),
		}
		s.mu.Unlock()
		return h, nil
	default:
		return "", fmt.Errorf("scheduler queue full")
	}
}

// Status returns the state of a job, or nil when unknown.
func (s *Scheduler) Status(h Handle) *JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.states[h]
	if !exists {
		return nil
	}
	copied := *state
	return &copied
}

// Start launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	logger.Info("Starting job scheduler", "workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	go func() {
		s.wg.Wait()
		close(s.stoppedCh)
	}()
}

// Stop gracefully shuts down, draining queued jobs up to the timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	logger.Info("Stopping job scheduler", "pending", len(s.queue))

	close(s.stopCh)

	select {
	case <-s.stoppedCh:
		logger.Info("Job scheduler stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Job scheduler stop timed out", "pending", len(s.queue))
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			s.drain(ctx)
			return

		case <-ctx.Done():
			return

		case j, ok := <-s.queue:
			if !ok {
				return
			}
			s.run(ctx, j)
		}
	}
}

// drain processes remaining queued jobs during shutdown.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		select {
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			s.run(ctx, j)
		default:
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j job) {
	s.mu.Lock()
	handler := s.handlers[j.jobType]
	if state, exists := s.states[j.handle]; exists {
		state.Status = StatusRunning
	}
	s.mu.Unlock()

	// Jobs outlive the request that submitted them; run them on a fresh
	// context bounded by the job timeout.
	jobCtx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	err := handler(jobCtx, j.payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.states[j.handle]
	if !exists {
		return
	}
	state.Finished = time.Now()
	if err != nil {
		state.Status = StatusFailed
		state.Error = err.Error()
		logger.Error("Scheduled job failed",
			"job", string(j.handle),
			"type", string(j.jobType),
			logger.KeyError, err.Error())
	} else {
		state.Status = StatusDone
		logger.Debug("Scheduled job completed",
			"job", string(j.handle),
			"type", string(j.jobType))
	}
}
