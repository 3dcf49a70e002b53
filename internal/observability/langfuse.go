package observability

import (
	"context"
	"sync"

	"github.com/henomis/langfuse-go/model"
	"github.com/sirupsen/logrus"
)

// TurnRecorder receives one sample per completed LLM turn. GPTObserver
// feeds the in-process summary endpoint; LangfuseRecorder ships the
// same samples to Langfuse.
type TurnRecorder interface {
	Record(s GPTSample)
}

// LangfuseClient is the subset of henomis/langfuse-go's client the
// recorder needs; the concrete *langfuse.Langfuse satisfies it.
type LangfuseClient interface {
	Trace(t *model.Trace) (*model.Trace, error)
	Generation(g *model.Generation, parentObservationID *string) (*model.Generation, error)
	Flush(ctx context.Context)
}

// LangfuseRecorder records one Langfuse trace per call and one
// generation per turn, carrying the turn's latency, tool loops and
// persona consistency as metadata.
type LangfuseRecorder struct {
	client LangfuseClient
	logger *logrus.Logger

	mu     sync.Mutex
	traces map[string]string // callSID -> trace id
}

// NewLangfuseRecorder constructs a LangfuseRecorder over client.
func NewLangfuseRecorder(client LangfuseClient, logger *logrus.Logger) *LangfuseRecorder {
	if logger == nil {
		logger = logrus.New()
	}
	return &LangfuseRecorder{
		client: client,
		logger: logger,
		traces: make(map[string]string),
	}
}

func (r *LangfuseRecorder) traceFor(callSID string) (string, error) {
	r.mu.Lock()
	if id, ok := r.traces[callSID]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	trace, err := r.client.Trace(&model.Trace{Name: "call:" + callSID})
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.traces[callSID] = trace.ID
	r.mu.Unlock()
	return trace.ID, nil
}

// Record implements TurnRecorder.
func (r *LangfuseRecorder) Record(s GPTSample) {
	traceID, err := r.traceFor(s.CallSID)
	if err != nil {
		r.logger.WithError(err).Warn("observability: langfuse trace failed")
		return
	}
	_, err = r.client.Generation(&model.Generation{
		TraceID: traceID,
		Name:    "turn",
		Model:   s.Model,
		Metadata: model.M{
			"latency_ms":          s.LatencyMs,
			"tool_loops":          s.ToolLoops,
			"persona_consistency": s.Consistency,
			"failed":              s.Failed,
		},
	}, nil)
	if err != nil {
		r.logger.WithError(err).Warn("observability: langfuse generation failed")
	}
}

// EndCall drops the call's trace mapping once the session closes.
func (r *LangfuseRecorder) EndCall(callSID string) {
	r.mu.Lock()
	delete(r.traces, callSID)
	r.mu.Unlock()
}

// Flush drains buffered observations, called at shutdown.
func (r *LangfuseRecorder) Flush(ctx context.Context) {
	r.client.Flush(ctx)
}
