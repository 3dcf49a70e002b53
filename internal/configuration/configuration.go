// Package configuration loads and exposes the environment-driven
// configuration surface.
package configuration

import (
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Configuration is the process-wide, env-driven settings surface,
// loaded once and shared.
type Configuration struct {
	Loaded bool

	// Required credentials.
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	FromNumber       string `env:"FROM_NUMBER"`
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`
	DeepgramAPIKey   string `env:"DEEPGRAM_API_KEY"`
	APISecret        string `env:"API_SECRET"`

	// Provider selection and webhook validation.
	CallProvider            string `env:"CALL_PROVIDER" envDefault:"twilio"`
	TwilioWebhookValidation string `env:"TWILIO_WEBHOOK_VALIDATION" envDefault:"strict"`
	AWSWebhookValidation    string `env:"AWS_WEBHOOK_VALIDATION" envDefault:"strict"`
	VonageWebhookValidation string `env:"VONAGE_WEBHOOK_VALIDATION" envDefault:"strict"`

	// Additional provider credentials; a provider with empty credentials
	// is simply not registered.
	VonageAPIKey          string `env:"VONAGE_API_KEY"`
	VonageAPISecret       string `env:"VONAGE_API_SECRET"`
	VonageSignatureSecret string `env:"VONAGE_SIGNATURE_SECRET"`
	VonageApplicationID   string `env:"VONAGE_APPLICATION_ID"`
	AWSRegion             string `env:"AWS_REGION"`
	AWSConnectInstanceID  string `env:"AWS_CONNECT_INSTANCE_ID"`
	AWSConnectFlowID      string `env:"AWS_CONNECT_CONTACT_FLOW_ID"`
	AWSAccessKeyID        string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey    string `env:"AWS_SECRET_ACCESS_KEY"`
	EskizBaseURL          string `env:"ESKIZ_BASE_URL"`
	EskizEmail            string `env:"ESKIZ_EMAIL"`
	EskizPassword         string `env:"ESKIZ_PASSWORD"`

	// Externally visible host for webhook action URLs.
	WebhookHost string `env:"WEBHOOK_HOST"`

	// OpenRouter-compatible endpoint; empty means api.openai.com.
	OpenRouterBaseURL string `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`

	// Provider health.
	ProviderErrorThreshold    int `env:"PROVIDER_ERROR_THRESHOLD" envDefault:"3"`
	ProviderErrorWindowS      int `env:"PROVIDER_ERROR_WINDOW_S" envDefault:"60"`
	ProviderCooldownS         int `env:"PROVIDER_COOLDOWN_S" envDefault:"300"`
	ProviderOverrideCooldownS int `env:"PROVIDER_OVERRIDE_COOLDOWN_S" envDefault:"120"`

	// Job fabric.
	CallJobIntervalMs     int `env:"CALL_JOB_INTERVAL_MS" envDefault:"1000"`
	CallJobRetryBaseMs    int `env:"CALL_JOB_RETRY_BASE_MS" envDefault:"2000"`
	CallJobRetryMaxMs     int `env:"CALL_JOB_RETRY_MAX_MS" envDefault:"300000"`
	CallJobMaxAttempts    int `env:"CALL_JOB_MAX_ATTEMPTS" envDefault:"5"`
	CallJobTimeoutMs      int `env:"CALL_JOB_TIMEOUT_MS" envDefault:"30000"`
	CallJobDLQAlertThresh int `env:"CALL_JOB_DLQ_ALERT_THRESHOLD" envDefault:"20"`

	// LLM turn engine (OpenRouter-compatible).
	OpenRouterModel                string  `env:"OPENROUTER_MODEL" envDefault:"openai/gpt-4o-mini"`
	OpenRouterBackupModel          string  `env:"OPENROUTER_BACKUP_MODEL"`
	OpenRouterContextTokenBudget   int     `env:"OPENROUTER_CONTEXT_TOKEN_BUDGET" envDefault:"8000"`
	OpenRouterCompletionReserve    int     `env:"OPENROUTER_COMPLETION_RESERVE" envDefault:"1000"`
	OpenRouterMaxToolLoops         int     `env:"OPENROUTER_MAX_TOOL_LOOPS" envDefault:"4"`
	OpenRouterToolBudgetPerTurn    int     `env:"OPENROUTER_TOOL_BUDGET_PER_TURN" envDefault:"6"`
	OpenRouterToolFailureThreshold int     `env:"OPENROUTER_TOOL_FAILURE_THRESHOLD" envDefault:"3"`
	OpenRouterToolWindowMs         int     `env:"OPENROUTER_TOOL_WINDOW_MS" envDefault:"60000"`
	OpenRouterToolCooldownMs       int     `env:"OPENROUTER_TOOL_COOLDOWN_MS" envDefault:"30000"`
	OpenRouterPersonaThreshold     float64 `env:"OPENROUTER_PERSONA_CONSISTENCY_THRESHOLD" envDefault:"0.6"`
	OpenRouterSummaryMaxChars      int     `env:"OPENROUTER_SUMMARY_MAX_CHARS" envDefault:"2000"`
	OpenRouterSLOLatencyMs         int     `env:"OPENROUTER_SLO_LATENCY_MS" envDefault:"3000"`

	// TTS.
	TwilioTTSVoice   string `env:"TWILIO_TTS_VOICE" envDefault:"Polly.Joanna"`
	TTSCacheMaxItems int    `env:"TTS_CACHE_MAX_ITEMS" envDefault:"1000"`
	TTSCacheTTLMs    int    `env:"TTS_CACHE_TTL_MS" envDefault:"3600000"`

	// Digit subsystem.
	KeypadMinDTMFGapMs      int    `env:"KEYPAD_MIN_DTMF_GAP_MS" envDefault:"200"`
	KeypadMinCollectDelayMs int    `env:"KEYPAD_MIN_COLLECT_DELAY_MS" envDefault:"3000"`
	KeypadGatherFallback    bool   `env:"KEYPAD_GATHER_FALLBACK" envDefault:"true"`
	DTMFEncryptionKey       string `env:"DTMF_ENCRYPTION_KEY"`

	// Payments.
	PaymentAllowTwilio bool   `env:"PAYMENT_ALLOW_TWILIO" envDefault:"false"`
	PaymentKillSwitch  bool   `env:"PAYMENT_KILL_SWITCH" envDefault:"false"`
	StripeAPIKey       string `env:"STRIPE_API_KEY"`

	// Misc.
	RecordingEnabled        bool   `env:"RECORDING_ENABLED" envDefault:"false"`
	ConfigComplianceMode    string `env:"CONFIG_COMPLIANCE_MODE" envDefault:"safe"`
	APIHmacMaxSkewMs        int    `env:"API_HMAC_MAX_SKEW_MS" envDefault:"300000"`
	WebhookIdempotencyTTLMs int    `env:"WEBHOOK_IDEMPOTENCY_TTL_MS" envDefault:"86400000"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON     bool   `env:"LOG_JSON" envDefault:"false"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Port        string `env:"PORT" envDefault:"8080"`
}

var (
	instance *Configuration
	once     sync.Once
)

// Use returns the process-wide Configuration, loading it on first call.
// Subsequent calls return the same loaded instance.
func Use() *Configuration {
	once.Do(func() {
		instance = &Configuration{}
		_ = instance.Load()
	})
	return instance
}

// Load reads a .env file if present (ignored if missing) and then
// populates the struct from the environment.
func (c *Configuration) Load() error {
	_ = godotenv.Load()
	if err := env.Parse(c); err != nil {
		return err
	}
	c.Loaded = true
	return nil
}

// PaymentsAllowed applies the kill-switch precedence: the global kill
// switch always wins over the narrower per-provider allow flag.
func (c *Configuration) PaymentsAllowed() bool {
	if c.PaymentKillSwitch {
		return false
	}
	return c.PaymentAllowTwilio
}
