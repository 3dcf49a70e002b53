// Package httpapi implements the external HTTP surface: the
// authenticated outbound-call endpoint, call query APIs, health probes,
// the GPT observability summary and the provider webhook routes.
package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/callcore/internal/domain/idempotency"
	"github.com/iota-uz/callcore/internal/jobs"
	"github.com/iota-uz/callcore/pkg/composables"
	"github.com/iota-uz/callcore/pkg/serrors"
)

// statusFor maps an error kind onto its HTTP status.
func statusFor(err error) int {
	switch serrors.KindOf(err) {
	case serrors.Validation:
		return http.StatusBadRequest
	case serrors.Permission:
		return http.StatusForbidden
	case serrors.NotFound:
		return http.StatusNotFound
	case serrors.Conflict:
		return http.StatusConflict
	case serrors.RateLimited:
		return http.StatusTooManyRequests
	case serrors.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := serrors.KindOf(err)
	writeJSON(w, statusFor(err), map[string]any{
		"success": false,
		"error":   kind.String(),
		"message": err.Error(),
	})
}

// loggingMiddleware attaches a request-scoped logger entry to the
// context.
func loggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			next.ServeHTTP(w, r.WithContext(composables.WithLogger(r.Context(), entry)))
		})
	}
}

// hmacAuth verifies the X-Signature/X-Timestamp envelope on
// HMAC-authenticated endpoints and dedupes replays by Idempotency-Key:
// a replay within TTL yields the cached response and no additional
// state changes.
type hmacAuth struct {
	secret    string
	maxSkew   time.Duration
	idemTTL   time.Duration
	idemStore idempotency.Store
}

func (a *hmacAuth) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, serrors.E(serrors.Op("httpapi.hmacAuth"), serrors.Validation, err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		timestamp, err := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
		if err != nil {
			writeError(w, serrors.E(serrors.Op("httpapi.hmacAuth"), serrors.Permission, "missing or invalid X-Timestamp"))
			return
		}
		if !jobs.VerifySignature(a.secret, r.Header.Get("X-Signature"), timestamp, body, time.Now(), a.maxSkew) {
			writeError(w, serrors.E(serrors.Op("httpapi.hmacAuth"), serrors.Permission, "invalid signature"))
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if key == "" || a.idemStore == nil {
			next(w, r)
			return
		}

		result, rec, err := a.idemStore.Reserve(r.Context(), "webhook:"+key, a.idemTTL)
		if err != nil {
			writeError(w, serrors.E(serrors.Op("httpapi.hmacAuth"), serrors.Unavailable, err))
			return
		}
		if result == idempotency.Existing {
			switch rec.Status {
			case idempotency.StatusOK:
				writeJSON(w, http.StatusOK, rec.Response)
			case idempotency.StatusFailed:
				writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": "conflict", "message": "prior attempt failed"})
			default:
				writeJSON(w, http.StatusAccepted, map[string]any{"success": false, "status": "in_progress"})
			}
			return
		}

		rec2 := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec2, r)

		status := idempotency.StatusOK
		if rec2.status >= 400 {
			status = idempotency.StatusFailed
		}
		var cached map[string]any
		_ = json.Unmarshal(rec2.body.Bytes(), &cached)
		_ = a.idemStore.Resolve(r.Context(), "webhook:"+key, status, cached)
	}
}

// responseRecorder tees the handler's JSON body so the idempotency
// layer can cache it for replays.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
