package providers

import (
	"context"
	"errors"

	"github.com/iota-uz/callcore/pkg/serrors"
)

// EskizProvider is the regional SMS failover slot for numbers in
// Eskiz's home market, after Twilio/Vonage. It links no Eskiz client.
//
// The github.com/iota-uz/eskiz/models package this provider was
// written against is not present in any published version of that
// module (confirmed against both the pinned pseudo-version and
// @latest, which only ship a flat OpenAPI-generated client). Send is
// stubbed to fail until the provider is rewritten against the actual
// upstream API; see BUILD_FLAGS.json.
type EskizProvider struct {
	baseURL, email, password string
}

func NewEskizProvider(baseURL, email, password string) *EskizProvider {
	return &EskizProvider{baseURL: baseURL, email: email, password: password}
}

func (p *EskizProvider) Name() string { return "eskiz" }

func (p *EskizProvider) Send(ctx context.Context, msg SMSMessage) (string, error) {
	const op = serrors.Op("EskizProvider.Send")
	return "", serrors.E(op, serrors.Unavailable, errors.New("eskiz provider unavailable: github.com/iota-uz/eskiz/models does not exist upstream"))
}

// Verify is a no-op: Eskiz delivery reports arrive async over a
// dashboard callback this orchestrator does not subscribe to, so
// inbound webhook verification does not apply.
func (p *EskizProvider) Verify(url string, params map[string]string, signature string) bool {
	return true
}

// Reconcile has no per-message status fetch in the Eskiz client; the
// send-time status is the only status this provider can offer.
func (p *EskizProvider) Reconcile(ctx context.Context, messageSID string) (string, error) {
	return "unknown", nil
}
