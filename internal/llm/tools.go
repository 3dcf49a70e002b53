// Package llm implements the LLM turn engine: streaming chat
// completion, tool planning/execution, context compaction and
// persona-adaptive prompting.
package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ToolErrorCode classifies a tool-execution failure surfaced back to the
// model as a JSON tool-error envelope.
type ToolErrorCode string

const (
	ErrCodeInvalidRequest     ToolErrorCode = "INVALID_REQUEST"
	ErrCodeValidationFailed   ToolErrorCode = "VALIDATION_FAILED"
	ErrCodeIdempotencyFailed  ToolErrorCode = "IDEMPOTENCY_FAILED"
	ErrCodeInProgress         ToolErrorCode = "IN_PROGRESS"
	ErrCodeBudgetExceeded     ToolErrorCode = "BUDGET_EXCEEDED"
	ErrCodeCircuitOpen        ToolErrorCode = "CIRCUIT_OPEN"
	ErrCodeExecutionFailed    ToolErrorCode = "EXECUTION_FAILED"
	ErrCodeServiceUnavailable ToolErrorCode = "SERVICE_UNAVAILABLE"
)

// Hints are short machine-readable nudges a tool error can attach so the
// model can self-correct on the next turn.
const (
	HintCheckArgsAgainstSchema = "Check arguments against the tool's parameter schema"
	HintRetryWithBackoff       = "Retry after a short delay"
	HintUseFallbackTool        = "Use the declared fallback tool instead"
	HintDoNotRetrySameArgs     = "Do not retry with the same arguments; the operation already completed"
)

// FormatToolError renders the JSON envelope fed back to the model as a
// tool-role message on failure.
func FormatToolError(code ToolErrorCode, message string, hints ...string) string {
	body := map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": message,
		},
	}
	if len(hints) > 0 {
		body["error"].(map[string]any)["hints"] = hints
	}
	out, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf(`{"error":{"code":%q,"message":"failed to encode error"}}`, code)
	}
	return string(out)
}

// ParamKind is the JSON-Schema-ish type of one tool parameter.
type ParamKind string

const (
	ParamString  ParamKind = "string"
	ParamNumber  ParamKind = "number"
	ParamInteger ParamKind = "integer"
	ParamBoolean ParamKind = "boolean"
	ParamObject  ParamKind = "object"
	ParamArray   ParamKind = "array"
)

// ParamSpec is one parameter's structural constraints: type, enum,
// minimum, maximum, required.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Required bool
	Enum     []string
	Minimum  *float64
	Maximum  *float64
}

// ParamSchema is the full parameter shape for one tool, validated with
// a small structural checker rather than a runtime JSON-Schema
// library.
type ParamSchema struct {
	Params []ParamSpec
}

// Validate checks args against the schema and returns the first
// violation found. It does not clamp values; collect_digits' min/max
// are clamped separately by ClampCollectDigits.
func (s ParamSchema) Validate(args map[string]any) error {
	for _, p := range s.Params {
		v, present := args[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		if err := validateKind(p, v); err != nil {
			return err
		}
	}
	return nil
}

func validateKind(p ParamSpec, v any) error {
	switch p.Kind {
	case ParamString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("parameter %q must be a string", p.Name)
		}
		if len(p.Enum) > 0 && !contains(p.Enum, s) {
			return fmt.Errorf("parameter %q must be one of %v", p.Name, p.Enum)
		}
	case ParamNumber, ParamInteger:
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("parameter %q must be a number", p.Name)
		}
		if p.Minimum != nil && f < *p.Minimum {
			return fmt.Errorf("parameter %q below minimum %v", p.Name, *p.Minimum)
		}
		if p.Maximum != nil && f > *p.Maximum {
			return fmt.Errorf("parameter %q above maximum %v", p.Name, *p.Maximum)
		}
	case ParamBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", p.Name)
		}
	case ParamObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("parameter %q must be an object", p.Name)
		}
	case ParamArray:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("parameter %q must be an array", p.Name)
		}
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ClampCollectDigits enforces the digit-collection clamp:
// min_digits >= 1, max_digits >= min_digits.
func ClampCollectDigits(args map[string]any) {
	min := intArg(args, "min_digits", 1)
	if min < 1 {
		min = 1
	}
	max := intArg(args, "max_digits", min)
	if max < min {
		max = min
	}
	args["min_digits"] = min
	args["max_digits"] = max
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key]; ok {
		if f, ok := toFloat(v); ok {
			return int(f)
		}
	}
	return def
}

// ToolClass is the execution policy class of a tool.
type ToolClass string

const (
	ClassRead       ToolClass = "read"
	ClassSideEffect ToolClass = "side_effect"
	ClassCapture    ToolClass = "capture"
)

// ToolPlan is one planned invocation produced by the model's tool call.
type ToolPlan struct {
	ToolName       string
	Args           map[string]any
	ToolCallID     string
	CallSID        string
	StepID         string
	AttemptID      string
	InputHash      string
	IdempotencyKey string
}

// NewToolPlan builds a ToolPlan and derives its idempotency key as
// "tool:{callSid}:{stepId}:{attemptId}:{inputHash}".
func NewToolPlan(toolName string, args map[string]any, toolCallID, callSID, stepID, attemptID string) ToolPlan {
	hash := InputHash(args)
	return ToolPlan{
		ToolName:       toolName,
		Args:           args,
		ToolCallID:     toolCallID,
		CallSID:        callSID,
		StepID:         stepID,
		AttemptID:      attemptID,
		InputHash:      hash,
		IdempotencyKey: fmt.Sprintf("tool:%s:%s:%s:%s", callSID, stepID, attemptID, hash),
	}
}

// InputHash produces a stable content hash of a tool's arguments, used
// both for the idempotency key and the ToolAudit.InputHash column.
func InputHash(args map[string]any) string {
	canonical, err := json.Marshal(sortedMap(args))
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// sortedMap returns args unchanged: encoding/json already marshals
// map[string]any keys in sorted order — kept as a named step so the
// hashing contract is documented at the call site.
func sortedMap(args map[string]any) map[string]any { return args }
