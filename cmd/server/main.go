package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	langfusego "github.com/henomis/langfuse-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iota-uz/callcore/internal/callsession"
	"github.com/iota-uz/callcore/internal/configuration"
	"github.com/iota-uz/callcore/internal/digits"
	"github.com/iota-uz/callcore/internal/domain/digitplan"
	"github.com/iota-uz/callcore/internal/httpapi"
	"github.com/iota-uz/callcore/internal/jobs"
	"github.com/iota-uz/callcore/internal/llm"
	llmtools "github.com/iota-uz/callcore/internal/llm/tools"
	"github.com/iota-uz/callcore/internal/observability"
	"github.com/iota-uz/callcore/internal/providers"
	"github.com/iota-uz/callcore/internal/store/postgres"
	"github.com/iota-uz/callcore/internal/webhookingress"
	"github.com/iota-uz/callcore/pkg/composables"
	"github.com/iota-uz/callcore/pkg/logging"
	"github.com/iota-uz/callcore/pkg/twofactor"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	logger := logging.New(logging.Options{Level: conf.LogLevel, JSON: conf.LogJSON})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCleanup := observability.SetupTracing(ctx, "callcore", logger)
	defer tracingCleanup()

	pool, err := pgxpool.New(ctx, conf.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database pool")
	}
	defer pool.Close()

	baseCtx := composables.WithPool(ctx, pool)
	baseCtx = composables.WithLogger(baseCtx, logger.WithField("service", "callcore"))

	// Repositories.
	callRepo := postgres.NewCallRepository()
	transcriptRepo := postgres.NewTranscriptRepository()
	stateRepo := postgres.NewCallStateRepository()
	digitEventRepo := postgres.NewDigitEventRepository()
	jobRepo := postgres.NewJobRepository()
	auditRepo := postgres.NewToolAuditRepository()
	idemStore := postgres.NewIdempotencyStore()
	healthLog := postgres.NewHealthLogRepository()

	// Provider router.
	router := providers.NewRouter(
		time.Duration(conf.ProviderErrorWindowS)*time.Second,
		conf.ProviderErrorThreshold,
		time.Duration(conf.ProviderCooldownS)*time.Second,
		providers.WithHealthLog(healthLog),
		providers.WithPaymentsAllowed(conf.PaymentsAllowed),
	)
	twilio := providers.NewTwilioProvider(conf.TwilioAccountSID, conf.TwilioAuthToken, conf.FromNumber)
	router.RegisterTelephony(twilio)
	router.RegisterSMS(twilio)
	var awsConnect *providers.AWSConnectProvider
	if conf.AWSAccessKeyID != "" {
		awsConnect = providers.NewAWSConnectProvider(
			conf.AWSRegion, conf.AWSConnectInstanceID, conf.AWSConnectFlowID,
			conf.AWSAccessKeyID, conf.AWSSecretAccessKey,
		)
		router.RegisterTelephony(awsConnect)
	}
	var vonage *providers.VonageProvider
	if conf.VonageAPIKey != "" {
		vonage = providers.NewVonageProvider(conf.VonageAPIKey, conf.VonageAPISecret, conf.VonageSignatureSecret, conf.VonageApplicationID)
		router.RegisterTelephony(vonage)
		router.RegisterSMS(vonage)
	}
	if conf.EskizEmail != "" {
		router.RegisterSMS(providers.NewEskizProvider(conf.EskizBaseURL, conf.EskizEmail, conf.EskizPassword))
	}
	if err := router.SetActiveTelephony(conf.CallProvider, 0); err != nil {
		logger.WithError(err).Warn("configured CALL_PROVIDER not registered, keeping default")
	}

	// Digit subsystem.
	var encryptor twofactor.Encryptor = twofactor.NewNoopEncryptor()
	if conf.DTMFEncryptionKey != "" {
		encryptor = twofactor.NewAESEncryptor(conf.DTMFEncryptionKey)
	} else if conf.ConfigComplianceMode != "dev_insecure" {
		logger.Fatal("DTMF_ENCRYPTION_KEY is required unless CONFIG_COMPLIANCE_MODE=dev_insecure")
	}
	vault := digits.NewVault(encryptor)
	digitManager := digits.NewManager(digits.ManagerConfig{
		MinDTMFGapMs:      conf.KeypadMinDTMFGapMs,
		MinCollectDelayMs: conf.KeypadMinCollectDelayMs,
		GatherFallback:    conf.KeypadGatherFallback,
	}, digitEventRepo, vault, nil)

	// LLM turn engine.
	registry := llm.NewRegistry()
	executor := llm.NewExecutor(registry, idemStore, auditRepo, llm.ExecutorConfig{
		ToolBudgetPerInteraction: conf.OpenRouterToolBudgetPerTurn,
		BreakerWindow:            time.Duration(conf.OpenRouterToolWindowMs) * time.Millisecond,
		BreakerThreshold:         conf.OpenRouterToolFailureThreshold,
		BreakerCooldown:          time.Duration(conf.OpenRouterToolCooldownMs) * time.Millisecond,
	})
	streamer := llm.NewOpenAIStreamer(conf.OpenRouterAPIKey, conf.OpenRouterBaseURL)
	engine := llm.NewEngine(streamer, registry, executor, llm.EngineConfig{
		Model:             conf.OpenRouterModel,
		BackupModel:       conf.OpenRouterBackupModel,
		MaxToolLoops:      conf.OpenRouterMaxToolLoops,
		BaselineMaxTokens: 1024,
		ContextPolicy: llm.ContextPolicy{
			ContextTokenBudget: conf.OpenRouterContextTokenBudget,
			MaxPerPhase:        12,
			TopNFacts:          5,
		},
		PersonaThreshold: conf.OpenRouterPersonaThreshold,
	})
	compactor := llm.NewCompactor(conf.OpenRouterCompletionReserve)

	// Turn observability: the in-process summary always records; the
	// Langfuse exporter joins when credentials are present.
	gptObserver := observability.NewGPTObserver(0)
	recorders := []observability.TurnRecorder{gptObserver}
	if lfPublicKey := os.Getenv("LANGFUSE_PUBLIC_KEY"); lfPublicKey != "" {
		if baseURL := os.Getenv("LANGFUSE_BASE_URL"); baseURL != "" && os.Getenv("LANGFUSE_HOST") == "" {
			if err := os.Setenv("LANGFUSE_HOST", baseURL); err != nil {
				logger.WithError(err).Warn("failed to set LANGFUSE_HOST for the Langfuse SDK")
			}
		}
		lfRecorder := observability.NewLangfuseRecorder(langfusego.New(context.Background()), logger)
		recorders = append(recorders, lfRecorder)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			lfRecorder.Flush(flushCtx)
		}()
		logger.Info("langfuse turn observability enabled")
	}
	turnService := llm.NewTurnService(engine, compactor, conf.OpenRouterSummaryMaxChars, recorders...)

	// Call session runtime.
	synthesizer := callsession.NewDeepgramSynthesizer(conf.DeepgramAPIKey, "")
	transcriber := callsession.NewDeepgramTranscriber(conf.DeepgramAPIKey, "")
	ttsCache := callsession.NewTTSCache(synthesizer,
		conf.TTSCacheMaxItems,
		time.Duration(conf.TTSCacheTTLMs)*time.Millisecond,
	)
	sessions := callsession.NewRuntime(
		twilio, transcriber, turnService, ttsCache, digitManager,
		transcriptRepo, stateRepo, callRepo,
		conf.WebhookHost, conf.TwilioTTSVoice,
	)
	sessions.SetOnClose(turnService.CloseCall)
	hub := callsession.NewHub(logger)

	// Built-in tools.
	registry.Register(llmtools.CollectDigits(func(toolCtx context.Context, args map[string]any) error {
		callSID, _ := args["call_sid"].(string)
		profileName, _ := args["profile"].(string)
		spec, known := digits.Resolve(profileName)
		if !known {
			composables.UseLogger(toolCtx).WithField("profile", profileName).Warn("unknown digit profile, using generic")
		}
		exp := newExpectationFromArgs(spec, args)
		return digitManager.SetExpectation(toolCtx, callSID, exp, digits.Reprompts{
			Invalid:    []string{"That did not look right. Please try again.", "Let's try once more, digits only please."},
			Incomplete: []string{"I did not get enough digits. Please enter the full number."},
			Timeout:    []string{"Are you still there? Please enter the digits now."},
			Failure:    "I was not able to collect that. Let's continue.",
		})
	}))
	control := &callControl{router: router, sessions: sessions}
	registry.Register(llmtools.HangupCall(control))
	registry.Register(llmtools.TransferCall(control))
	if conf.StripeAPIKey != "" {
		registry.Register(llmtools.ChargeCard(llmtools.PaymentConfig{
			APIKey:  conf.StripeAPIKey,
			Allowed: router.PaymentsAllowed,
		}))
	}

	// Job & webhook fabric.
	runner := jobs.NewRunner(jobs.RunnerConfig{
		Interval:          time.Duration(conf.CallJobIntervalMs) * time.Millisecond,
		RetryBase:         time.Duration(conf.CallJobRetryBaseMs) * time.Millisecond,
		RetryMax:          time.Duration(conf.CallJobRetryMaxMs) * time.Millisecond,
		MaxAttempts:       conf.CallJobMaxAttempts,
		ExecTimeout:       time.Duration(conf.CallJobTimeoutMs) * time.Millisecond,
		DLQAlertThreshold: conf.CallJobDLQAlertThresh,
	}, jobRepo, healthLog, logger)
	deliverer := jobs.NewDeliverer(jobs.DelivererConfig{
		Secret:           conf.APISecret,
		RetryBase:        time.Duration(conf.CallJobRetryBaseMs) * time.Millisecond,
		RetryMax:         time.Duration(conf.CallJobRetryMaxMs) * time.Millisecond,
		RetryMaxAttempts: conf.CallJobMaxAttempts,
	}, logger)
	(&jobs.Processors{
		Router:      router,
		Calls:       callRepo,
		Deliverer:   deliverer,
		From:        conf.FromNumber,
		WebhookHost: conf.WebhookHost,
	}).Register(runner)
	if err := runner.Start(baseCtx); err != nil {
		logger.WithError(err).Fatal("failed to start job runner")
	}

	var deduper *jobs.Deduper
	if d, err := jobs.NewDeduper(jobs.DeduperConfig{RedisURL: conf.RedisURL}); err != nil {
		logger.WithError(err).Warn("redis unavailable, enqueue dedupe disabled")
	} else {
		deduper = d
		defer func() { _ = deduper.Close() }()
	}

	// HTTP surface.
	metricsReg := prometheus.NewRegistry()
	observability.NewMetrics(metricsReg)

	verifiers := map[string]*webhookingress.Verifier{
		"twilio": webhookingress.NewVerifier(webhookingress.ParseMode(conf.TwilioWebhookValidation), twilio, conf.WebhookHost),
	}
	if vonage != nil {
		verifiers["vonage"] = webhookingress.NewVerifier(webhookingress.ParseMode(conf.VonageWebhookValidation), vonage, conf.WebhookHost)
	}
	if awsConnect != nil {
		verifiers["aws"] = webhookingress.NewVerifier(webhookingress.ParseMode(conf.AWSWebhookValidation), awsConnect, conf.WebhookHost)
	}

	handlers := &httpapi.Handlers{
		Calls:       callRepo,
		Transcripts: transcriptRepo,
		Router:      router,
		Jobs:        runner,
		Dedupe:      deduper,
		Sessions:    sessions,
		Hub:         hub,
		GPT:         gptObserver,
		Verifiers:   verifiers,
		ReadyCheck: func(checkCtx context.Context) error {
			return pool.Ping(checkCtx)
		},
		DefaultSession: callsession.SessionConfig{
			VoiceModel: conf.TwilioTTSVoice,
			Encoding:   "mulaw/8000",
			SampleRate: 8000,
		},
		APISecret:       conf.APISecret,
		HmacMaxSkew:     time.Duration(conf.APIHmacMaxSkewMs) * time.Millisecond,
		WebhookIdemTTL:  time.Duration(conf.WebhookIdempotencyTTLMs) * time.Millisecond,
		IdemStore:       idemStore,
		PaymentsEnabled: conf.StripeAPIKey != "" && conf.PaymentsAllowed(),
	}
	apiHandler := httpapi.NewRouter(handlers, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	mux.Handle("/", withBaseContext(baseCtx, apiHandler))

	server := &http.Server{
		Addr:              ":" + conf.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("listening on :%s", conf.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("server failed")
	}
}

// callControl adapts the provider router and session runtime to the
// call-terminating tool actions.
type callControl struct {
	router   *providers.Router
	sessions *callsession.Runtime
}

func (c *callControl) Hangup(ctx context.Context, callSID string) error {
	provider, err := c.router.ActiveTelephony(time.Now())
	if err != nil {
		return err
	}
	if err := provider.Hangup(ctx, callSID); err != nil {
		return err
	}
	c.sessions.Close(callSID, "tool_hangup")
	return nil
}

func (c *callControl) Transfer(ctx context.Context, callSID, target string) error {
	provider, err := c.router.ActiveTelephony(time.Now())
	if err != nil {
		return err
	}
	twiml := "<Response><Dial>" + target + "</Dial></Response>"
	if err := provider.UpdateTwiml(ctx, callSID, twiml); err != nil {
		return err
	}
	c.sessions.Close(callSID, "tool_transfer")
	return nil
}

// newExpectationFromArgs builds a digit expectation from a profile's
// defaults overlaid with the tool call's explicit arguments.
func newExpectationFromArgs(spec digits.ProfileSpec, args map[string]any) *digitplan.Expectation {
	minDigits, maxDigits := spec.MinDigits, spec.MaxDigits
	timeoutS, maxRetries := spec.TimeoutS, spec.MaxRetries
	if v, ok := args["min_digits"].(float64); ok {
		minDigits = int(v)
	}
	if v, ok := args["max_digits"].(float64); ok {
		maxDigits = int(v)
	}
	// A known exact length pins the range so collection finalizes as
	// soon as it is reached instead of waiting for a terminator.
	if v, ok := args["expected_length"].(float64); ok && v > 0 {
		minDigits, maxDigits = int(v), int(v)
	}
	if v, ok := args["timeout_s"].(float64); ok {
		timeoutS = int(v)
	}
	if v, ok := args["max_retries"].(float64); ok {
		maxRetries = int(v)
	}
	maskForGPT := digits.SensitiveProfile(spec.Profile)
	if v, ok := args["mask_for_gpt"].(bool); ok {
		maskForGPT = v
	}
	return digitplan.NewExpectation(string(spec.Profile), minDigits, maxDigits, timeoutS, maxRetries, spec.EndCallOnSuccess, maskForGPT)
}

// withBaseContext threads the pool and root logger into every request
// context so repositories resolve their connection via composables.
func withBaseContext(base context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqCtx := composables.WithPool(r.Context(), composables.UsePool(base))
		reqCtx = composables.WithLogger(reqCtx, composables.UseLogger(base))
		next.ServeHTTP(w, r.WithContext(reqCtx))
	})
}
