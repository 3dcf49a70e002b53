package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	limitermw "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/iota-uz/callcore/internal/callsession"
	"github.com/iota-uz/callcore/internal/domain/call"
	"github.com/iota-uz/callcore/internal/domain/idempotency"
	"github.com/iota-uz/callcore/internal/domain/transcript"
	"github.com/iota-uz/callcore/internal/jobs"
	"github.com/iota-uz/callcore/internal/observability"
	"github.com/iota-uz/callcore/internal/providers"
	"github.com/iota-uz/callcore/internal/webhookingress"
)

// Handlers bundles every collaborator the HTTP surface needs. Route
// registration itself stays thin: one handler per route, registered
// once.
type Handlers struct {
	Calls       call.Repository
	Transcripts transcript.Repository
	Router      *providers.Router
	Jobs        *jobs.Runner
	Dedupe      *jobs.Deduper
	Sessions    *callsession.Runtime
	Hub         *callsession.Hub
	GPT         *observability.GPTObserver
	Verifiers   map[string]*webhookingress.Verifier
	ReadyCheck  func(ctx context.Context) error

	// DefaultSession seeds a session when a call's first media webhook
	// arrives before any explicit open.
	DefaultSession callsession.SessionConfig

	APISecret       string
	HmacMaxSkew     time.Duration
	WebhookIdemTTL  time.Duration
	IdemStore       idempotency.Store
	PaymentsEnabled bool

	startedAt time.Time
}

// NewRouter assembles the full route table with CORS, rate limiting and
// request-scoped logging.
func NewRouter(h *Handlers, logger *logrus.Logger) http.Handler {
	h.startedAt = time.Now()

	auth := &hmacAuth{
		secret:    h.APISecret,
		maxSkew:   h.HmacMaxSkew,
		idemTTL:   h.WebhookIdemTTL,
		idemStore: h.IdemStore,
	}

	r := mux.NewRouter()
	r.Use(loggingMiddleware(logger))

	// Authenticated control surface.
	r.HandleFunc("/outbound-call", auth.wrap(h.OutboundCall)).Methods(http.MethodPost)

	// Query APIs.
	r.HandleFunc("/api/calls", h.ListCalls).Methods(http.MethodGet)
	r.HandleFunc("/api/calls/list", h.ListCalls).Methods(http.MethodGet)
	r.HandleFunc("/api/calls/search", h.SearchCalls).Methods(http.MethodGet)
	r.HandleFunc("/api/calls/{callSid}", h.GetCall).Methods(http.MethodGet)
	r.HandleFunc("/api/calls/{callSid}/status", h.GetCallStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/calls/{callSid}/transcript/audio", h.GetTranscriptAudio).Methods(http.MethodGet)

	// Probes and observability.
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)
	r.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/observability/gpt", h.GPTObservability).Methods(http.MethodGet)
	if h.Hub != nil {
		r.Handle("/ws/events", h.Hub)
	}

	// Provider webhooks.
	r.HandleFunc("/webhook/twilio-voice", h.TwilioVoice).Methods(http.MethodPost)
	r.HandleFunc("/webhook/twilio-status", h.TwilioStatus).Methods(http.MethodPost)
	r.HandleFunc("/webhook/twilio-dtmf", h.TwilioDTMF).Methods(http.MethodPost)
	r.HandleFunc("/webhook/twilio-gather", h.TwilioGather).Methods(http.MethodPost)
	r.HandleFunc("/webhook/vonage-event", h.VonageEvent).Methods(http.MethodPost)
	r.HandleFunc("/webhook/aws-connect-event", h.AWSConnectEvent).Methods(http.MethodPost)
	r.HandleFunc("/webhook/sms-status", h.SMSStatus).Methods(http.MethodPost)

	rate := limiter.Rate{Period: time.Minute, Limit: 300}
	limiterMiddleware := limitermw.NewMiddleware(limiter.New(memory.NewStore(), rate))

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Signature", "X-Timestamp", "Idempotency-Key"},
	}).Handler(limiterMiddleware.Handler(r))
}
