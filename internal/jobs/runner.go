// Package jobs implements the durable job & webhook fabric: a
// single-writer poll loop claiming due jobs under lease, exponential
// backoff with jitter, DLQ alerting, and signed idempotent webhook
// delivery.
package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/callcore/internal/domain/job"
	"github.com/iota-uz/callcore/internal/domain/providerhealth"
	"github.com/iota-uz/callcore/pkg/serrors"
)

// Processor executes one claimed job of its kind.
type Processor func(ctx context.Context, j *job.Job) error

// RunnerConfig carries the CALL_JOB_* tunables.
type RunnerConfig struct {
	Interval          time.Duration
	RetryBase         time.Duration
	RetryMax          time.Duration
	MaxAttempts       int
	ExecTimeout       time.Duration
	LeaseTTL          time.Duration
	ClaimBatch        int
	DLQAlertThreshold int
}

// Runner is the single-writer poller. Exactly one Runner claims jobs in
// a process; the claim query itself is atomic so multiple processes stay
// safe.
type Runner struct {
	cfg       RunnerConfig
	repo      job.Repository
	healthLog providerhealth.LogRepository
	logger    *logrus.Logger

	mu         sync.Mutex
	processors map[job.Kind]Processor

	cron    *cron.Cron
	stopped chan struct{}

	// consecutive storage failures pause the loop rather than spinning
	// against an unavailable store.
	storageFailures int
}

// NewRunner constructs a Runner.
func NewRunner(cfg RunnerConfig, repo job.Repository, healthLog providerhealth.LogRepository, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * cfg.ExecTimeout
	}
	return &Runner{
		cfg:        cfg,
		repo:       repo,
		healthLog:  healthLog,
		logger:     logger,
		processors: make(map[job.Kind]Processor),
		stopped:    make(chan struct{}),
	}
}

// Register installs the processor for kind.
func (r *Runner) Register(kind job.Kind, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[kind] = p
}

// Enqueue persists a new pending job.
func (r *Runner) Enqueue(ctx context.Context, kind job.Kind, payload map[string]any, notBefore time.Time) (*job.Job, error) {
	const op = serrors.Op("jobs.Runner.Enqueue")
	j := job.New(kind, payload, notBefore, r.cfg.MaxAttempts)
	if err := r.repo.Create(ctx, j); err != nil {
		return nil, serrors.E(op, serrors.Unavailable, err)
	}
	return j, nil
}

// Start begins polling every cfg.Interval until ctx ends. It returns
// immediately; the loop runs on the cron scheduler's goroutine.
func (r *Runner) Start(ctx context.Context) error {
	const op = serrors.Op("jobs.Runner.Start")
	r.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", r.cfg.Interval)
	_, err := r.cron.AddFunc(spec, func() { r.Tick(ctx) })
	if err != nil {
		return serrors.E(op, serrors.Internal, err)
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		stop := r.cron.Stop()
		<-stop.Done()
		close(r.stopped)
	}()
	return nil
}

// Tick runs one poll iteration: claim due jobs under lease and execute
// each by kind.
func (r *Runner) Tick(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDue(ctx, now, now.Add(r.cfg.LeaseTTL), r.cfg.ClaimBatch)
	if err != nil {
		r.storageFailures++
		if r.storageFailures >= 3 {
			r.logger.WithError(err).Error("jobs: storage unavailable, pausing poll loop")
			time.Sleep(r.cfg.Interval * 5)
		}
		return
	}
	r.storageFailures = 0

	for _, j := range jobs {
		r.execute(ctx, j)
	}
}

func (r *Runner) execute(ctx context.Context, j *job.Job) {
	r.mu.Lock()
	p, ok := r.processors[j.Kind]
	r.mu.Unlock()
	if !ok {
		r.fail(ctx, j, "no processor registered for kind "+string(j.Kind))
		return
	}

	execCtx := ctx
	if r.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.cfg.ExecTimeout)
		defer cancel()
	}

	if err := p(execCtx, j); err != nil {
		r.fail(ctx, j, err.Error())
		return
	}
	j.Complete()
	if err := r.repo.Update(ctx, j); err != nil {
		r.logger.WithError(err).Warn("jobs: failed to mark job done")
	}
}

func (r *Runner) fail(ctx context.Context, j *job.Job, reason string) {
	next := time.Now().Add(NextBackoff(r.cfg.RetryBase, r.cfg.RetryMax, j.Attempts))
	j.Fail(reason, next)
	if err := r.repo.Update(ctx, j); err != nil {
		r.logger.WithError(err).Warn("jobs: failed to persist job failure")
		return
	}
	if j.Status == job.StatusDLQ {
		r.onDLQ(ctx, j)
	}
}

// onDLQ emits the service_health_logs alert row once DLQ depth crosses
// the configured threshold.
func (r *Runner) onDLQ(ctx context.Context, j *job.Job) {
	r.logger.WithField("job_id", j.ID).WithField("kind", j.Kind).Warn("jobs: job moved to dlq")
	if r.healthLog == nil {
		return
	}
	depth, err := r.repo.CountDLQ(ctx, j.Kind)
	if err != nil {
		r.logger.WithError(err).Warn("jobs: dlq depth count failed")
		return
	}
	if depth > int64(r.cfg.DLQAlertThreshold) {
		_ = r.healthLog.Append(ctx, providerhealth.LogEntry{
			Service:   "call_job_dlq",
			Status:    "alert",
			Count:     int(depth),
			CreatedAt: time.Now(),
		})
	}
}

// NextBackoff computes min(retryMax, retryBase * 2^attempt) plus up to
// 10% jitter.
func NextBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}
