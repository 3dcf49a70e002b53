package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"event":"call_completed"}`)
	now := time.Now()
	ts := now.UnixMilli()

	sig := Sign("secret", ts, body)
	assert.True(t, VerifySignature("secret", sig, ts, body, now, 5*time.Minute))
	assert.False(t, VerifySignature("other", sig, ts, body, now, 5*time.Minute))
	assert.False(t, VerifySignature("secret", sig, ts, []byte(`{}`), now, 5*time.Minute))
}

func TestVerifySignatureRejectsSkew(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()
	stale := now.Add(-10 * time.Minute).UnixMilli()

	sig := Sign("secret", stale, body)
	assert.False(t, VerifySignature("secret", sig, stale, body, now, 5*time.Minute))
	assert.True(t, VerifySignature("secret", sig, stale, body, now, 15*time.Minute))
}

func TestDelivererRetriesWithStableIdempotencyKey(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.NotEmpty(t, r.Header.Get("X-Signature"))
		assert.NotEmpty(t, r.Header.Get("X-Timestamp"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	d := NewDeliverer(DelivererConfig{
		Secret:           "secret",
		RetryBase:        time.Millisecond,
		RetryMax:         10 * time.Millisecond,
		RetryMaxAttempts: 5,
	}, logger)

	err := d.Deliver(context.Background(), server.URL, []byte(`{"event":"x"}`))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[1], keys[2], "receiver can dedupe retries by key")
}

func TestDelivererStopsOnPermanentFailure(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	d := NewDeliverer(DelivererConfig{
		Secret:           "secret",
		RetryBase:        time.Millisecond,
		RetryMax:         10 * time.Millisecond,
		RetryMaxAttempts: 5,
	}, logger)

	err := d.Deliver(context.Background(), server.URL, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "4xx responses are not retried")
}

func TestDelivererExhaustsRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	d := NewDeliverer(DelivererConfig{
		Secret:           "secret",
		RetryBase:        time.Millisecond,
		RetryMax:         5 * time.Millisecond,
		RetryMaxAttempts: 3,
	}, logger)

	err := d.Deliver(context.Background(), server.URL, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}
