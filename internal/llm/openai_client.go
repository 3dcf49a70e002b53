package llm

import (
	"context"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"github.com/iota-uz/callcore/pkg/serrors"
)

// StreamEventKind identifies one event yielded by a ChatStreamer.
type StreamEventKind string

const (
	EventTextDelta     StreamEventKind = "text_delta"
	EventToolCallDelta StreamEventKind = "tool_call_delta"
	EventToolCallDone  StreamEventKind = "tool_call_done"
	EventDone          StreamEventKind = "done"
)

// StreamEvent is one normalized chunk of a streamed completion,
// independent of the underlying provider SDK's event shape.
type StreamEvent struct {
	Kind         StreamEventKind
	TextDelta    string
	ToolCallID   string
	ToolName     string
	ToolArgsJSON string
	FinishReason string
}

// ChatRequest is one turn's compiled input to a ChatStreamer.
type ChatRequest struct {
	Model              string
	PreviousResponseID string
	Turns              []Turn
	Tools              []ToolDef
	MaxOutputTokens    int
	Temperature        float64
}

// ChatStreamer is the engine's abstraction over a streaming completion
// provider: a chunk iterator fanned out to a text-chunk consumer and a
// tool-call accumulator.
type ChatStreamer interface {
	Stream(ctx context.Context, req ChatRequest, yield func(StreamEvent) bool) error
}

// OpenAIStreamer adapts openai-go/v3's Responses API to ChatStreamer:
// an event.Type switch over "response.output_text.delta",
// "response.function_call_arguments.delta/done" and
// "response.output_item.done".
type OpenAIStreamer struct {
	client *openai.Client
}

// NewOpenAIStreamer constructs an OpenAIStreamer against apiKey/baseURL
// (OpenRouter is OpenAI-compatible, so baseURL may point at it).
func NewOpenAIStreamer(apiKey, baseURL string) *OpenAIStreamer {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIStreamer{client: &client}
}

func (s *OpenAIStreamer) Stream(ctx context.Context, req ChatRequest, yield func(StreamEvent) bool) error {
	const op = serrors.Op("OpenAIStreamer.Stream")

	params := responses.ResponseNewParams{
		Model: req.Model,
		Store: openai.Bool(false),
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	params.Input = responses.ResponseNewParamsInputUnion{
		OfInputItemList: buildInputItems(req.Turns),
	}

	var tools []responses.ToolUnionParam
	for _, t := range req.Tools {
		tools = append(tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  paramSchemaToJSONSchema(t.Schema),
			},
		})
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	stream := s.client.Responses.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	type toolAccum struct {
		name string
		args string
	}
	accum := make(map[string]*toolAccum)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "response.output_text.delta":
			if !yield(StreamEvent{Kind: EventTextDelta, TextDelta: event.Delta}) {
				return nil
			}
		case "response.function_call_arguments.delta":
			a, ok := accum[event.ItemID]
			if !ok {
				a = &toolAccum{}
				accum[event.ItemID] = a
			}
			a.args += event.Delta
		case "response.function_call_arguments.done":
			if a, ok := accum[event.ItemID]; ok {
				a.name = event.Name
				a.args = event.Arguments
			}
		case "response.output_item.done":
			if event.Item.Type == "function_call" {
				a := accum[event.ItemID]
				name := event.Item.Name
				args := event.Item.Arguments
				if a != nil {
					if name == "" {
						name = a.name
					}
					if args == "" {
						args = a.args
					}
				}
				if !yield(StreamEvent{
					Kind:         EventToolCallDone,
					ToolCallID:   event.Item.CallID,
					ToolName:     name,
					ToolArgsJSON: args,
				}) {
					return nil
				}
			}
		case "response.completed":
			yield(StreamEvent{Kind: EventDone, FinishReason: "stop"})
		}
	}
	if err := stream.Err(); err != nil {
		return serrors.E(op, serrors.Unavailable, err)
	}
	return nil
}

func buildInputItems(turns []Turn) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(turns))
	for _, t := range turns {
		role := string(t.Role)
		if t.Role == RoleAI {
			role = "assistant"
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(t.Content, responses.EasyInputMessageRole(role)))
	}
	return items
}

func paramSchemaToJSONSchema(schema ParamSchema) map[string]any {
	props := map[string]any{}
	var required []string
	for _, p := range schema.Params {
		prop := map[string]any{"type": string(p.Kind)}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// IsRetryableError reports whether err warrants the retry-then-failover
// policy (status >= 500, 408/425/429, timeout, socket reset).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	kind := serrors.KindOf(err)
	return kind == serrors.Unavailable || kind == serrors.Timeout || kind == serrors.RateLimited
}
