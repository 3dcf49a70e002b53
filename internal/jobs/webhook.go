package jobs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/callcore/pkg/serrors"
)

// Sign computes hex(HMAC-SHA256(timestamp|body, secret)), the outbound
// webhook envelope signature.
func Sign(secret string, timestampMs int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte("|"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound signature against the envelope rule,
// rejecting timestamps outside maxSkew.
func VerifySignature(secret, signature string, timestampMs int64, body []byte, now time.Time, maxSkew time.Duration) bool {
	skew := now.UnixMilli() - timestampMs
	if skew < 0 {
		skew = -skew
	}
	if maxSkew > 0 && skew > maxSkew.Milliseconds() {
		return false
	}
	expected := Sign(secret, timestampMs, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// DelivererConfig carries webhook delivery tunables.
type DelivererConfig struct {
	Secret           string
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryMaxAttempts int
	Timeout          time.Duration
}

// Deliverer posts signed webhook notifications with the same
// backoff policy as the job loop.
type Deliverer struct {
	cfg    DelivererConfig
	client *http.Client
	logger *logrus.Logger
}

// NewDeliverer constructs a Deliverer.
func NewDeliverer(cfg DelivererConfig, logger *logrus.Logger) *Deliverer {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Deliverer{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Deliver posts body to url with X-Signature, X-Timestamp and
// Idempotency-Key headers, retrying retryable responses up to
// RetryMaxAttempts. The idempotency key is stable across retries so the
// receiver can dedupe.
func (d *Deliverer) Deliver(ctx context.Context, url string, body []byte) error {
	const op = serrors.Op("jobs.Deliverer.Deliver")
	idempotencyKey := uuid.New().String()

	var lastErr error
	for attempt := 0; attempt < d.cfg.RetryMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return serrors.E(op, serrors.Timeout, ctx.Err())
			case <-time.After(NextBackoff(d.cfg.RetryBase, d.cfg.RetryMax, attempt-1)):
			}
		}
		err := d.post(ctx, url, body, idempotencyKey)
		if err == nil {
			return nil
		}
		lastErr = err
		if !serrors.Is(err, serrors.Unavailable) && !serrors.Is(err, serrors.Timeout) {
			return err
		}
		d.logger.WithError(err).WithField("attempt", attempt+1).Warn("jobs: webhook delivery failed")
	}
	return serrors.E(op, serrors.Unavailable, fmt.Sprintf("webhook delivery exhausted after %d attempts", d.cfg.RetryMaxAttempts), lastErr)
}

func (d *Deliverer) post(ctx context.Context, url string, body []byte, idempotencyKey string) error {
	const op = serrors.Op("jobs.Deliverer.post")
	timestamp := time.Now().UnixMilli()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return serrors.E(op, serrors.Validation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(d.cfg.Secret, timestamp, body))
	req.Header.Set("X-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return serrors.E(op, serrors.Unavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return serrors.E(op, serrors.Unavailable, fmt.Sprintf("receiver returned %d", resp.StatusCode))
	default:
		return serrors.E(op, serrors.Validation, fmt.Sprintf("receiver returned %d", resp.StatusCode))
	}
}
