// Package webhookingress verifies inbound provider webhooks and
// translates provider events into core call-session commands.
package webhookingress

import (
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iota-uz/callcore/internal/providers"
	"github.com/iota-uz/callcore/pkg/composables"
	"github.com/iota-uz/callcore/pkg/serrors"
)

// Mode is the per-provider webhook validation mode.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeWarn   Mode = "warn"
	ModeOff    Mode = "off"
)

// ParseMode normalizes a *_WEBHOOK_VALIDATION value, defaulting to
// strict for anything unrecognized.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeWarn, ModeOff:
		return Mode(s)
	default:
		return ModeStrict
	}
}

// Verifier checks one provider's webhook signature per the configured
// mode: strict rejects, warn logs and admits, off admits silently.
type Verifier struct {
	mode       Mode
	provider   providers.TelephonyProvider
	publicHost string
}

// NewVerifier constructs a Verifier for provider with mode.
func NewVerifier(mode Mode, provider providers.TelephonyProvider, publicHost string) *Verifier {
	return &Verifier{mode: mode, provider: provider, publicHost: publicHost}
}

// Verify checks r's provider signature. It returns nil when the request
// may proceed; in strict mode a bad signature is an auth error.
func (v *Verifier) Verify(r *http.Request) error {
	const op = serrors.Op("webhookingress.Verifier.Verify")
	if v.mode == ModeOff {
		return nil
	}

	if err := r.ParseForm(); err != nil {
		return serrors.E(op, serrors.Validation, err)
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	signature := r.Header.Get("X-Twilio-Signature")

	ok := v.provider.VerifyWebhook(v.publicURL(r), params, signature)
	if ok {
		return nil
	}
	if v.mode == ModeWarn {
		composables.UseLogger(r.Context()).
			WithField("provider", v.provider.Name()).
			Warn("webhookingress: invalid signature admitted in warn mode")
		return nil
	}
	return serrors.E(op, serrors.Permission, "invalid provider signature")
}

// publicURL reconstructs the externally visible URL the provider signed,
// which may differ from r.URL behind a proxy.
func (v *Verifier) publicURL(r *http.Request) string {
	u := url.URL{
		Scheme:   "https",
		Host:     v.publicHost,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	if u.Host == "" {
		u.Host = r.Host
	}
	return u.String()
}

// OverrideClaims is the payload of a signed operator-override token:
// short-lived grants for bypassing signature checks during provider
// incident recovery (webhook replay tooling).
type OverrideClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// MintOverrideToken issues a signed override token for scope, valid for
// ttl.
func MintOverrideToken(secret, scope string, ttl time.Duration) (string, error) {
	const op = serrors.Op("webhookingress.MintOverrideToken")
	now := time.Now()
	claims := OverrideClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", serrors.E(op, serrors.Internal, err)
	}
	return token, nil
}

// VerifyOverrideToken validates a signed override token and returns its
// scope.
func VerifyOverrideToken(secret, tokenStr string) (string, error) {
	const op = serrors.Op("webhookingress.VerifyOverrideToken")
	claims := &OverrideClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, serrors.E(op, serrors.Permission, "unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", serrors.E(op, serrors.Permission, "invalid override token", err)
	}
	return claims.Scope, nil
}
