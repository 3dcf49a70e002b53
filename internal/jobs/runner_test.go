package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/callcore/internal/domain/job"
	"github.com/iota-uz/callcore/internal/domain/providerhealth"
)

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job.Job
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[uuid.UUID]*job.Job)}
}

func (r *memJobRepo) Create(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *j
	r.jobs[j.ID] = &clone
	return nil
}

func (r *memJobRepo) Update(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *j
	r.jobs[j.ID] = &clone
	return nil
}

func (r *memJobRepo) ClaimDue(ctx context.Context, now time.Time, leaseUntil time.Time, limit int) ([]*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []*job.Job
	for _, j := range r.jobs {
		if len(claimed) >= limit {
			break
		}
		if j.Status == job.StatusPending && !j.NotBefore.After(now) {
			if j.Claim(leaseUntil) {
				clone := *j
				claimed = append(claimed, &clone)
			}
		}
	}
	return claimed, nil
}

func (r *memJobRepo) CountDLQ(ctx context.Context, kind job.Kind) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.Status == job.StatusDLQ && j.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (r *memJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id], nil
}

type memHealthLog struct {
	mu      sync.Mutex
	entries []providerhealth.LogEntry
}

func (m *memHealthLog) Append(ctx context.Context, entry providerhealth.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memHealthLog) Latest(ctx context.Context, service string) (*providerhealth.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Service == service {
			e := m.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func testRunner(repo job.Repository, healthLog providerhealth.LogRepository, maxAttempts, dlqThreshold int) *Runner {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewRunner(RunnerConfig{
		Interval:          time.Millisecond,
		RetryBase:         time.Millisecond,
		RetryMax:          10 * time.Millisecond,
		MaxAttempts:       maxAttempts,
		ExecTimeout:       time.Second,
		DLQAlertThreshold: dlqThreshold,
	}, repo, healthLog, logger)
}

func drain(ctx context.Context, r *Runner, ticks int) {
	for i := 0; i < ticks; i++ {
		r.Tick(ctx)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestJobCompletesOnSuccess(t *testing.T) {
	repo := newMemJobRepo()
	r := testRunner(repo, nil, 3, 20)
	executed := 0
	r.Register(job.KindReconciliation, func(ctx context.Context, j *job.Job) error {
		executed++
		return nil
	})

	ctx := context.Background()
	j, err := r.Enqueue(ctx, job.KindReconciliation, map[string]any{"message_sid": "SM1"}, time.Now())
	require.NoError(t, err)

	r.Tick(ctx)
	assert.Equal(t, 1, executed)
	stored, _ := repo.GetByID(ctx, j.ID)
	assert.Equal(t, job.StatusDone, stored.Status)
	assert.Nil(t, stored.LeaseUntil)
}

func TestJobAttemptsNeverExceedMaxAndDLQStopsExecution(t *testing.T) {
	repo := newMemJobRepo()
	r := testRunner(repo, nil, 3, 20)
	executed := 0
	r.Register(job.KindScheduledSMS, func(ctx context.Context, j *job.Job) error {
		executed++
		return errors.New("provider down")
	})

	ctx := context.Background()
	j, err := r.Enqueue(ctx, job.KindScheduledSMS, map[string]any{"to": "+15550100", "body": "hi"}, time.Now())
	require.NoError(t, err)

	drain(ctx, r, 30)

	stored, _ := repo.GetByID(ctx, j.ID)
	require.Equal(t, job.StatusDLQ, stored.Status)
	// attempts never exceed maxAttempts, and a dlq job never executes
	// again.
	assert.LessOrEqual(t, stored.Attempts, 3)
	assert.Equal(t, 3, executed)

	before := executed
	drain(ctx, r, 5)
	assert.Equal(t, before, executed, "dlq jobs never execute again")
}

func TestDLQAlertFiresPastThreshold(t *testing.T) {
	repo := newMemJobRepo()
	healthLog := &memHealthLog{}
	r := testRunner(repo, healthLog, 1, 20)
	r.Register(job.KindOutboundCall, func(ctx context.Context, j *job.Job) error {
		return errors.New("always fails")
	})

	ctx := context.Background()
	for i := 0; i < 21; i++ {
		_, err := r.Enqueue(ctx, job.KindOutboundCall, map[string]any{"number": "+15550100"}, time.Now())
		require.NoError(t, err)
	}

	drain(ctx, r, 10)

	depth, _ := repo.CountDLQ(ctx, job.KindOutboundCall)
	require.Equal(t, int64(21), depth)

	entry, err := healthLog.Latest(ctx, "call_job_dlq")
	require.NoError(t, err)
	require.NotNil(t, entry, "alert row written once depth crosses the threshold")
	assert.Equal(t, "alert", entry.Status)
	assert.Equal(t, 21, entry.Count)
}

func TestNextBackoffBounds(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	for attempt := 0; attempt < 12; attempt++ {
		d := NextBackoff(base, max, attempt)
		expected := base << attempt
		if expected > max || expected <= 0 {
			expected = max
		}
		assert.GreaterOrEqual(t, d, expected, "attempt %d", attempt)
		assert.LessOrEqual(t, d, expected+expected/10+time.Millisecond, "attempt %d jitter is at most 10%%", attempt)
	}
}
