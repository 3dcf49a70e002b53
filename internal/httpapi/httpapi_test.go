package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/callcore/internal/domain/call"
	"github.com/iota-uz/callcore/internal/domain/idempotency"
	"github.com/iota-uz/callcore/internal/domain/job"
	"github.com/iota-uz/callcore/internal/jobs"
	"github.com/iota-uz/callcore/internal/observability"
	"github.com/iota-uz/callcore/internal/providers"
	"github.com/iota-uz/callcore/pkg/serrors"
)

type memJobRepo struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (r *memJobRepo) Create(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

func (r *memJobRepo) Update(ctx context.Context, j *job.Job) error { return nil }

func (r *memJobRepo) ClaimDue(ctx context.Context, now time.Time, leaseUntil time.Time, limit int) ([]*job.Job, error) {
	return nil, nil
}

func (r *memJobRepo) CountDLQ(ctx context.Context, kind job.Kind) (int64, error) { return 0, nil }

func (r *memJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*job.Job, error) { return nil, nil }

func (r *memJobRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type memCallRepo struct {
	mu    sync.Mutex
	calls map[string]call.Call
}

func newMemCallRepo() *memCallRepo {
	return &memCallRepo{calls: make(map[string]call.Call)}
}

func (r *memCallRepo) Count(ctx context.Context, params call.FindParams) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.calls)), nil
}

func (r *memCallRepo) GetAll(ctx context.Context) ([]call.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]call.Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	return out, nil
}

func (r *memCallRepo) GetPaginated(ctx context.Context, params call.FindParams) ([]call.Call, error) {
	all, _ := r.GetAll(ctx)
	if params.Limit > 0 && len(all) > params.Limit {
		all = all[:params.Limit]
	}
	return all, nil
}

func (r *memCallRepo) GetByCallSID(ctx context.Context, callSID string) (call.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callSID]
	if !ok {
		return nil, serrors.E(serrors.Op("memCallRepo.GetByCallSID"), serrors.NotFound, "call not found")
	}
	return c, nil
}

func (r *memCallRepo) Create(ctx context.Context, c call.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.CallSID()] = c
	return nil
}

func (r *memCallRepo) Update(ctx context.Context, c call.Call) error {
	return r.Create(ctx, c)
}

type memIdemStore struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
}

func newMemIdemStore() *memIdemStore {
	return &memIdemStore{records: make(map[string]*idempotency.Record)}
}

func (s *memIdemStore) Reserve(ctx context.Context, key string, ttl time.Duration) (idempotency.ReserveResult, *idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && time.Now().Before(rec.ExpiresAt) {
		return idempotency.Existing, rec, nil
	}
	rec := &idempotency.Record{Key: key, Status: idempotency.StatusInProgress, ExpiresAt: time.Now().Add(ttl)}
	s.records[key] = rec
	return idempotency.Reserved, rec, nil
}

func (s *memIdemStore) Resolve(ctx context.Context, key string, status idempotency.Status, response map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		rec.Status = status
		rec.Response = response
	}
	return nil
}

func (s *memIdemStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key], nil
}

type stubProvider struct{}

func (stubProvider) Name() string { return "twilio" }

func (stubProvider) Place(ctx context.Context, req providers.PlaceCallRequest) (string, error) {
	return "CA1", nil
}

func (stubProvider) Hangup(ctx context.Context, callSID string) error { return nil }

func (stubProvider) SendMedia(ctx context.Context, callSID string, frame providers.MediaFrame) error {
	return nil
}

func (stubProvider) UpdateTwiml(ctx context.Context, callSID string, twiml string) error { return nil }

func (stubProvider) VerifyWebhook(url string, params map[string]string, signature string) bool {
	return true
}

func newTestHandlers(t *testing.T) (*Handlers, *memJobRepo, *memCallRepo) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	jobRepo := &memJobRepo{}
	runner := jobs.NewRunner(jobs.RunnerConfig{
		Interval:    time.Second,
		RetryBase:   time.Second,
		RetryMax:    time.Minute,
		MaxAttempts: 3,
		ExecTimeout: time.Second,
	}, jobRepo, nil, logger)

	router := providers.NewRouter(time.Minute, 3, 5*time.Minute)
	router.RegisterTelephony(stubProvider{})

	callRepo := newMemCallRepo()
	h := &Handlers{
		Calls:          callRepo,
		Router:         router,
		Jobs:           runner,
		GPT:            observability.NewGPTObserver(100),
		APISecret:      "test-secret",
		HmacMaxSkew:    5 * time.Minute,
		WebhookIdemTTL: time.Hour,
		IdemStore:      newMemIdemStore(),
	}
	return h, jobRepo, callRepo
}

func signedRequest(t *testing.T, secret string, body []byte, idemKey string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/outbound-call", bytes.NewReader(body))
	ts := time.Now().UnixMilli()
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", jobs.Sign(secret, ts, body))
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	return req
}

func TestOutboundCallRejectsBadSignature(t *testing.T) {
	h, jobRepo, _ := newTestHandlers(t)
	auth := &hmacAuth{secret: h.APISecret, maxSkew: h.HmacMaxSkew, idemTTL: h.WebhookIdemTTL, idemStore: h.IdemStore}
	handler := auth.wrap(h.OutboundCall)

	body := []byte(`{"number":"+15551230000","prompt":"hi","first_message":"hello"}`)
	req := signedRequest(t, "wrong-secret", body, "")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, jobRepo.count())
}

func TestOutboundCallValidation(t *testing.T) {
	h, jobRepo, _ := newTestHandlers(t)
	auth := &hmacAuth{secret: h.APISecret, maxSkew: h.HmacMaxSkew, idemTTL: h.WebhookIdemTTL, idemStore: h.IdemStore}
	handler := auth.wrap(h.OutboundCall)

	body := []byte(`{"number":"555-1230","prompt":"hi","first_message":"hello"}`)
	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, h.APISecret, body, ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, jobRepo.count())
}

func TestOutboundCallReplayYieldsSameResponseOnce(t *testing.T) {
	h, jobRepo, _ := newTestHandlers(t)
	auth := &hmacAuth{secret: h.APISecret, maxSkew: h.HmacMaxSkew, idemTTL: h.WebhookIdemTTL, idemStore: h.IdemStore}
	handler := auth.wrap(h.OutboundCall)

	body := []byte(`{"number":"+15551230000","prompt":"hi","first_message":"hello"}`)

	rec1 := httptest.NewRecorder()
	handler(rec1, signedRequest(t, h.APISecret, body, "idem-1"))
	require.Equal(t, http.StatusOK, rec1.Code)
	require.Equal(t, 1, jobRepo.count())

	rec2 := httptest.NewRecorder()
	handler(rec2, signedRequest(t, h.APISecret, body, "idem-1"))
	require.Equal(t, http.StatusOK, rec2.Code)

	// Replay law: same response, no additional state changes.
	assert.Equal(t, 1, jobRepo.count())
	var first, second map[string]any
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &first))
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &second))
	assert.Equal(t, first["call_sid"], second["call_sid"])
}

func TestGetCallStatusAndNotFound(t *testing.T) {
	h, _, callRepo := newTestHandlers(t)
	c := call.New("CA77", "twilio", call.DirectionOutbound, "+15551230000", "p", "f")
	require.NoError(t, callRepo.Create(context.Background(), c))

	router := NewRouter(h, logrus.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/CA77/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "queued", body["status"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/CA-missing/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTranscriptAudioPendingThenReady(t *testing.T) {
	h, _, callRepo := newTestHandlers(t)
	c := call.New("CA88", "twilio", call.DirectionOutbound, "+15551230000", "p", "f")
	require.NoError(t, callRepo.Create(context.Background(), c))
	router := NewRouter(h, logrus.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/CA88/transcript/audio", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code, "202 while the call is live")

	c.Transition(call.StatusInProgress, time.Now())
	c.Transition(call.StatusCompleted, time.Now())
	require.NoError(t, callRepo.Update(context.Background(), c))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/CA88/transcript/audio", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSearchQueryBounds(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	router := NewRouter(h, logrus.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/calls/search?q=a", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCallsClampsLimit(t *testing.T) {
	params := parseFindParams(httptest.NewRequest(http.MethodGet, "/api/calls?limit=500", nil))
	assert.Equal(t, 50, params.Limit)

	params = parseFindParams(httptest.NewRequest(http.MethodGet, "/api/calls?limit=0", nil))
	assert.Equal(t, 1, params.Limit)

	params = parseFindParams(httptest.NewRequest(http.MethodGet, "/api/calls", nil))
	assert.Equal(t, 20, params.Limit)
}

func TestHealthEndpoints(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	router := NewRouter(h, logrus.New())

	for _, path := range []string{"/health", "/ready", "/status", "/api/observability/gpt?window_minutes=30"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
