package reframe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/thesyncim/reframe/internal/metrics"
)

// Scheduler defaults
const (
	DefaultMaxRuns      = 3
	DefaultRetryBackoff = 10 * time.Second
)

// ErrSchedulerClosed is returned by Enqueue after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// transcodeSlot serialises runs across every Scheduler in the process.
var transcodeSlot = make(chan struct{}, 1)

func acquireTranscodeSlot(ctx context.Context) error {
	select {
	case transcodeSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func releaseTranscodeSlot() { <-transcodeSlot }

// Runner executes one transcode. *Transcoder implements it.
type Runner interface {
	Run(ctx context.Context, cfg Config) (RunStats, error)
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobRetrying  JobStatus = "retrying"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether the job will not run again.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCanceled
}

// JobRecord is the persisted view of a Job.
type JobRecord struct {
	ID        uuid.UUID
	Config    Config
	Status    JobStatus
	Runs      int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStore persists jobs so unfinished work survives a restart.
type JobStore interface {
	SaveJob(ctx context.Context, rec JobRecord) error
	PendingJobs(ctx context.Context) ([]JobRecord, error)
}

// SchedulerOptions configure a Scheduler.
type SchedulerOptions struct {
	Runner       Runner // required
	Logger       hclog.Logger
	MaxRuns      int           // 0 = DefaultMaxRuns
	RetryBackoff time.Duration // 0 = DefaultRetryBackoff; the wait before run n+1 is n*RetryBackoff
	Store        JobStore      // optional
}

// Scheduler runs transcode jobs one at a time, retrying failed runs with a
// linear backoff. Cancelled jobs are never retried.
type Scheduler struct {
	runner  Runner
	logger  hclog.Logger
	maxRuns int
	backoff time.Duration
	store   JobStore

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[uuid.UUID]*Job
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:  opts.Runner,
		logger:  opts.Logger.Named("scheduler"),
		maxRuns: opts.MaxRuns,
		backoff: opts.RetryBackoff,
		store:   opts.Store,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[uuid.UUID]*Job),
	}
}

// Enqueue validates cfg and schedules it. The returned job completes
// exactly once.
func (s *Scheduler) Enqueue(cfg Config) (*Job, error) {
	cfg = cfg.WithDefaults(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	return s.start(JobRecord{
		ID:        uuid.New(),
		Config:    cfg,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Resume re-enqueues unfinished jobs from the store, keeping their run
// counts. It returns the number of jobs resumed.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	recs, err := s.store.PendingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending jobs: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if _, ok := s.Job(rec.ID); ok {
			continue
		}
		rec.Status = JobQueued
		if _, err := s.start(rec); err != nil {
			return n, err
		}
		s.logger.Info("job resumed", "job", rec.ID, "runs", rec.Runs)
		n++
	}
	return n, nil
}

func (s *Scheduler) start(rec JobRecord) (*Job, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	ctx, cancel := context.WithCancel(s.ctx)
	j := &Job{
		ID:      rec.ID,
		Config:  rec.Config,
		created: rec.CreatedAt,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  rec.Status,
		runs:    rec.Runs,
	}
	s.jobs[j.ID] = j
	s.wg.Add(1)
	s.mu.Unlock()

	s.save(j)
	s.logger.Debug("job queued", "job", j.ID, "input", j.Config.InputPath, "output", j.Config.OutputPath)
	go s.run(j)
	return j, nil
}

// Job returns the job with id.
func (s *Scheduler) Job(id uuid.UUID) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Jobs returns all known jobs, oldest first.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].created.Before(jobs[b].created) })
	return jobs
}

// Wait blocks until every enqueued job has completed.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels all jobs and waits for them to finish. Unfinished jobs stay
// pending in the store and are picked up again by Resume.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) run(j *Job) {
	defer s.wg.Done()
	log := s.logger.With("job", j.ID)

	var lastErr error
	for {
		if j.Runs() >= s.maxRuns {
			if lastErr == nil {
				lastErr = errors.New("run budget exhausted")
			}
			j.finish(JobFailed, fmt.Errorf("giving up after %d runs: %w", j.Runs(), lastErr))
			break
		}

		metrics.SchedulerQueueDepth.Inc()
		err := acquireTranscodeSlot(j.ctx)
		metrics.SchedulerQueueDepth.Dec()
		if err != nil {
			j.finish(JobCanceled, fmt.Errorf("%w: %w", ErrCanceled, err))
			break
		}

		attempt := j.begin()
		s.save(j)
		log.Info("transcode started", "run", attempt, "input", j.Config.InputPath)
		stats, err := s.runner.Run(j.ctx, j.Config)
		releaseTranscodeSlot()
		j.setStats(stats)

		if err == nil {
			j.finish(JobSucceeded, nil)
			break
		}
		lastErr = err
		if errors.Is(err, ErrCanceled) || j.ctx.Err() != nil {
			if !errors.Is(err, ErrCanceled) {
				err = fmt.Errorf("%w: %w", ErrCanceled, err)
			}
			j.finish(JobCanceled, err)
			break
		}
		if permanent(err) {
			j.finish(JobFailed, err)
			break
		}
		if attempt >= s.maxRuns {
			continue
		}

		wait := s.backoff * time.Duration(attempt)
		j.retrying(err)
		s.save(j)
		metrics.SchedulerRetries.Inc()
		log.Warn("transcode failed, retrying", "run", attempt, "backoff", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-j.ctx.Done():
			timer.Stop()
			j.finish(JobCanceled, fmt.Errorf("%w: %w", ErrCanceled, j.ctx.Err()))
		}
		if j.Status().Terminal() {
			break
		}
	}

	// A job stopped by Close stays pending in the store.
	if j.Status() == JobCanceled && s.ctx.Err() != nil {
		log.Info("job interrupted by shutdown")
	} else {
		s.save(j)
	}
	switch st := j.Status(); st {
	case JobSucceeded:
		log.Info("job finished", "runs", j.Runs())
	default:
		log.Warn("job ended", "status", st, "runs", j.Runs(), "error", j.Err())
	}
	j.cancel()
	close(j.done)
}

// permanent reports errors that another run cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrNoVideoTrack) ||
		errors.Is(err, ErrShaderUnsupported) ||
		errors.Is(err, ErrShaderCompile)
}

func (s *Scheduler) save(j *Job) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveJob(ctx, j.Record()); err != nil {
		s.logger.Warn("failed to persist job", "job", j.ID, "error", err)
	}
}

// Job is a scheduled transcode.
type Job struct {
	ID     uuid.UUID
	Config Config

	created time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	status  JobStatus
	runs    int
	err     error
	stats   RunStats
	updated time.Time
}

// Cancel interrupts the job. A running transcode stops at its next poll
// point; a queued or backing-off job ends without running again.
func (j *Job) Cancel() { j.cancel() }

// Done is closed once the job has completed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the error of the latest failed run. Once Done is closed it
// is the final outcome: nil for a successful job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Status returns the current state.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Runs returns how many times the transcode has been started.
func (j *Job) Runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

// Stats returns the stats of the latest run.
func (j *Job) Stats() RunStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// Record returns a snapshot for persistence.
func (j *Job) Record() JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := JobRecord{
		ID:        j.ID,
		Config:    j.Config,
		Status:    j.status,
		Runs:      j.runs,
		CreatedAt: j.created,
		UpdatedAt: j.updated,
	}
	if j.err != nil {
		rec.Error = j.err.Error()
	}
	return rec
}

func (j *Job) begin() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	j.status = JobRunning
	j.updated = time.Now()
	return j.runs
}

func (j *Job) setStats(stats RunStats) {
	j.mu.Lock()
	j.stats = stats
	j.mu.Unlock()
}

func (j *Job) retrying(err error) {
	j.mu.Lock()
	j.status = JobRetrying
	j.err = err
	j.updated = time.Now()
	j.mu.Unlock()
}

func (j *Job) finish(status JobStatus, err error) {
	j.mu.Lock()
	j.status = status
	j.err = err
	j.updated = time.Now()
	j.mu.Unlock()
}
