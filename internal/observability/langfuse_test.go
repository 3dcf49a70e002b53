package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/henomis/langfuse-go/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLangfuseClient struct {
	mu          sync.Mutex
	traces      []*model.Trace
	generations []*model.Generation
	flushed     int
}

func (c *fakeLangfuseClient) Trace(t *model.Trace) (*model.Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.ID = "trace-" + t.Name
	c.traces = append(c.traces, t)
	return t, nil
}

func (c *fakeLangfuseClient) Generation(g *model.Generation, parentObservationID *string) (*model.Generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations = append(c.generations, g)
	return g, nil
}

func (c *fakeLangfuseClient) Flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed++
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestLangfuseRecorderOneTracePerCall(t *testing.T) {
	client := &fakeLangfuseClient{}
	r := NewLangfuseRecorder(client, quietLogger())

	sample := GPTSample{CallSID: "CA1", Model: "gpt-4o-mini", LatencyMs: 900, ToolLoops: 1, Consistency: 0.8, At: time.Now()}
	r.Record(sample)
	r.Record(sample)
	r.Record(GPTSample{CallSID: "CA2", Model: "gpt-4o-mini", At: time.Now()})

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.traces, 2, "one trace per call")
	require.Len(t, client.generations, 3, "one generation per turn")
	assert.Equal(t, "trace-call:CA1", client.generations[0].TraceID)
	assert.Equal(t, client.generations[0].TraceID, client.generations[1].TraceID)
	assert.Equal(t, "trace-call:CA2", client.generations[2].TraceID)
}

func TestLangfuseRecorderGenerationMetadata(t *testing.T) {
	client := &fakeLangfuseClient{}
	r := NewLangfuseRecorder(client, quietLogger())

	r.Record(GPTSample{CallSID: "CA1", Model: "gpt-4o-mini", LatencyMs: 1200, ToolLoops: 2, Consistency: 0.7, Failed: true, At: time.Now()})

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.generations, 1)
	g := client.generations[0]
	assert.Equal(t, "gpt-4o-mini", g.Model)
	assert.Equal(t, model.M{
		"latency_ms":          int64(1200),
		"tool_loops":          2,
		"persona_consistency": 0.7,
		"failed":              true,
	}, g.Metadata)
}

func TestLangfuseRecorderEndCallStartsFreshTrace(t *testing.T) {
	client := &fakeLangfuseClient{}
	r := NewLangfuseRecorder(client, quietLogger())

	r.Record(GPTSample{CallSID: "CA1", At: time.Now()})
	r.EndCall("CA1")
	r.Record(GPTSample{CallSID: "CA1", At: time.Now()})

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Len(t, client.traces, 2)
}

func TestLangfuseRecorderFlush(t *testing.T) {
	client := &fakeLangfuseClient{}
	r := NewLangfuseRecorder(client, quietLogger())
	r.Flush(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.flushed)
}
