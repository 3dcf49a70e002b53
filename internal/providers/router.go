package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iota-uz/callcore/internal/domain/providerhealth"
	"github.com/iota-uz/callcore/pkg/serrors"
)

// telephonyEntry pairs a registered TelephonyProvider with its breaker
// and persisted health log.
type telephonyEntry struct {
	provider TelephonyProvider
	breaker  *Breaker
	health   *providerhealth.Health
}

type smsEntry struct {
	provider SmsProvider
	breaker  *Breaker
	health   *providerhealth.Health
}

// Router holds the configured call/SMS providers and selects the active
// one with health-tracked failover.
type Router struct {
	mu sync.RWMutex

	telephony      map[string]*telephonyEntry
	telephonyOrder []string
	sms            map[string]*smsEntry
	smsOrder       []string

	activeTelephony string
	activeSMS       string

	errorWindow time.Duration
	threshold   int
	cooldown    time.Duration

	healthLog providerhealth.LogRepository

	paymentsAllowed func() bool

	overrides map[string]time.Time
}

// RouterOption configures a Router at construction time.
type RouterOption func(*Router)

func WithHealthLog(repo providerhealth.LogRepository) RouterOption {
	return func(r *Router) { r.healthLog = repo }
}

func WithPaymentsAllowed(fn func() bool) RouterOption {
	return func(r *Router) { r.paymentsAllowed = fn }
}

// NewRouter constructs a Router with the health-window parameters
// (PROVIDER_ERROR_WINDOW_S / PROVIDER_ERROR_THRESHOLD /
// PROVIDER_COOLDOWN_S).
func NewRouter(errorWindow time.Duration, threshold int, cooldown time.Duration, opts ...RouterOption) *Router {
	r := &Router{
		telephony:   make(map[string]*telephonyEntry),
		sms:         make(map[string]*smsEntry),
		overrides:   make(map[string]time.Time),
		errorWindow: errorWindow,
		threshold:   threshold,
		cooldown:    cooldown,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterTelephony adds a call provider. The first provider registered
// becomes the active one.
func (r *Router) RegisterTelephony(p TelephonyProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	r.telephony[name] = &telephonyEntry{
		provider: p,
		breaker:  NewBreaker(r.errorWindow, r.threshold, r.cooldown),
		health:   providerhealth.New(name, r.errorWindow, r.threshold, r.cooldown),
	}
	r.telephonyOrder = append(r.telephonyOrder, name)
	if r.activeTelephony == "" {
		r.activeTelephony = name
	}
}

// RegisterSMS adds an SMS provider. The first provider registered
// becomes the active one.
func (r *Router) RegisterSMS(p SmsProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	r.sms[name] = &smsEntry{
		provider: p,
		breaker:  NewBreaker(r.errorWindow, r.threshold, r.cooldown),
		health:   providerhealth.New(name, r.errorWindow, r.threshold, r.cooldown),
	}
	r.smsOrder = append(r.smsOrder, name)
	if r.activeSMS == "" {
		r.activeSMS = name
	}
}

// SetActiveTelephony installs a per-request override, bypassing health
// selection for providerOverrideCooldownMs.
func (r *Router) SetActiveTelephony(name string, overrideFor time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.telephony[name]; !ok {
		return serrors.E(serrors.Op("Router.SetActiveTelephony"), serrors.NotFound, "unknown telephony provider: "+name)
	}
	r.activeTelephony = name
	if overrideFor > 0 {
		r.overrides[name] = time.Now().Add(overrideFor)
	}
	return nil
}

// ActiveTelephony returns the currently selected, non-degraded call
// provider, falling back to the least-recently-failed alternative when
// the active one is in cooldown.
func (r *Router) ActiveTelephony(now time.Time) (TelephonyProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	const op = serrors.Op("Router.ActiveTelephony")
	if len(r.telephonyOrder) == 0 {
		return nil, serrors.E(op, serrors.Unavailable, "no telephony providers registered")
	}

	if until, ok := r.overrides[r.activeTelephony]; ok && now.Before(until) {
		return r.telephony[r.activeTelephony].provider, nil
	}

	if entry, ok := r.telephony[r.activeTelephony]; ok && !entry.breaker.Open(now) {
		return entry.provider, nil
	}

	return r.fallbackTelephony(now)
}

func (r *Router) fallbackTelephony(now time.Time) (TelephonyProvider, error) {
	var candidates []*telephonyEntry
	for _, name := range r.telephonyOrder {
		e := r.telephony[name]
		if !e.breaker.Open(now) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		// All degraded: pick the least-recently-failed to preserve
		// liveness.
		for _, name := range r.telephonyOrder {
			candidates = append(candidates, r.telephony[name])
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].breaker.LastErrorAt().Before(candidates[j].breaker.LastErrorAt())
	})
	return candidates[0].provider, nil
}

// ActiveSMS returns the currently selected, non-degraded SMS provider.
func (r *Router) ActiveSMS(now time.Time) (SmsProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	const op = serrors.Op("Router.ActiveSMS")
	if len(r.smsOrder) == 0 {
		return nil, serrors.E(op, serrors.Unavailable, "no sms providers registered")
	}
	if entry, ok := r.sms[r.activeSMS]; ok && !entry.breaker.Open(now) {
		return entry.provider, nil
	}
	var candidates []*smsEntry
	for _, name := range r.smsOrder {
		e := r.sms[name]
		if !e.breaker.Open(now) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		for _, name := range r.smsOrder {
			candidates = append(candidates, r.sms[name])
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].breaker.LastErrorAt().Before(candidates[j].breaker.LastErrorAt())
	})
	return candidates[0].provider, nil
}

// RecordTelephonyFailure feeds a call-provider failure into its breaker,
// persisting a provider_degraded health-log row the instant the breaker
// opens.
func (r *Router) RecordTelephonyFailure(ctx context.Context, name string, at time.Time) {
	r.mu.Lock()
	entry, ok := r.telephony[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	opened := entry.breaker.RecordFailure(at)
	entry.health.RecordFailure(at)
	if opened && r.healthLog != nil {
		_ = r.healthLog.Append(ctx, providerhealth.LogEntry{
			Service:   name,
			Status:    "degraded",
			Count:     r.threshold,
			CreatedAt: at,
		})
	}
}

// RecordTelephonySuccess closes the named provider's breaker.
func (r *Router) RecordTelephonySuccess(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.telephony[name]; ok {
		entry.breaker.RecordSuccess(at)
		entry.health.RecordSuccess(at)
	}
}

// RecordSMSFailure feeds an SMS-provider failure into its breaker.
func (r *Router) RecordSMSFailure(ctx context.Context, name string, at time.Time) {
	r.mu.Lock()
	entry, ok := r.sms[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	opened := entry.breaker.RecordFailure(at)
	entry.health.RecordFailure(at)
	if opened && r.healthLog != nil {
		_ = r.healthLog.Append(ctx, providerhealth.LogEntry{
			Service:   name,
			Status:    "degraded",
			Count:     r.threshold,
			CreatedAt: at,
		})
	}
}

// RecordSMSSuccess closes the named SMS provider's breaker.
func (r *Router) RecordSMSSuccess(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sms[name]; ok {
		entry.breaker.RecordSuccess(at)
		entry.health.RecordSuccess(at)
	}
}

// PaymentsAllowed reports whether card-charging tool calls may proceed.
// The kill switch always wins over any per-provider allow flag.
func (r *Router) PaymentsAllowed() bool {
	if r.paymentsAllowed == nil {
		return false
	}
	return r.paymentsAllowed()
}
