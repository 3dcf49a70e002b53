// Package tools defines the built-in tool set registered with the LLM
// turn engine: digit collection, call control, and payment capture.
package tools

import (
	"context"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/iota-uz/callcore/internal/llm"
	"github.com/iota-uz/callcore/pkg/serrors"
)

func f64(v float64) *float64 { return &v }

// CollectDigitsStarter installs a digit expectation for the in-flight
// call; the session runtime implements it.
type CollectDigitsStarter func(ctx context.Context, args map[string]any) error

// CallControl exposes the two call-terminating actions a tool may take.
type CallControl interface {
	Hangup(ctx context.Context, callSID string) error
	Transfer(ctx context.Context, callSID, target string) error
}

// CollectDigits returns the collect_digits capture tool. Capture tools
// never retry; their effect is the installed expectation itself.
func CollectDigits(start CollectDigitsStarter) llm.ToolDef {
	return llm.ToolDef{
		Name:        "collect_digits",
		Description: "Ask the caller to enter digits on their keypad, validated against a named profile.",
		Class:       llm.ClassCapture,
		TimeoutMS:   5000,
		Schema: llm.ParamSchema{Params: []llm.ParamSpec{
			{Name: "profile", Kind: llm.ParamString, Required: true},
			{Name: "prompt", Kind: llm.ParamString, Required: true},
			{Name: "expected_length", Kind: llm.ParamInteger, Minimum: f64(1), Maximum: f64(32)},
			{Name: "min_digits", Kind: llm.ParamInteger, Minimum: f64(1), Maximum: f64(32)},
			{Name: "max_digits", Kind: llm.ParamInteger, Minimum: f64(1), Maximum: f64(32)},
			{Name: "timeout_s", Kind: llm.ParamInteger, Minimum: f64(1), Maximum: f64(120)},
			{Name: "max_retries", Kind: llm.ParamInteger, Minimum: f64(0), Maximum: f64(10)},
			{Name: "mask_for_gpt", Kind: llm.ParamBoolean},
		}},
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			if err := start(ctx, args); err != nil {
				return nil, err
			}
			return map[string]any{"status": "collecting", "profile": args["profile"]}, nil
		},
	}
}

// HangupCall returns the hangup_call side-effect tool. The owning call
// arrives via the executor-injected call_sid argument.
func HangupCall(control CallControl) llm.ToolDef {
	return llm.ToolDef{
		Name:        "hangup_call",
		Description: "End the call politely once the conversation is complete.",
		Class:       llm.ClassSideEffect,
		TimeoutMS:   5000,
		Schema: llm.ParamSchema{Params: []llm.ParamSpec{
			{Name: "reason", Kind: llm.ParamString},
		}},
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			callSID, _ := args["call_sid"].(string)
			if err := control.Hangup(ctx, callSID); err != nil {
				return nil, err
			}
			return map[string]any{"status": "hanging_up"}, nil
		},
	}
}

// TransferCall returns the transfer_call side-effect tool.
func TransferCall(control CallControl) llm.ToolDef {
	return llm.ToolDef{
		Name:        "transfer_call",
		Description: "Transfer the caller to a human agent or another number.",
		Class:       llm.ClassSideEffect,
		TimeoutMS:   10000,
		Schema: llm.ParamSchema{Params: []llm.ParamSpec{
			{Name: "target", Kind: llm.ParamString, Required: true},
		}},
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			callSID, _ := args["call_sid"].(string)
			target, _ := args["target"].(string)
			if err := control.Transfer(ctx, callSID, target); err != nil {
				return nil, err
			}
			return map[string]any{"status": "transferring", "target": target}, nil
		},
	}
}

// PaymentConfig wires the charge_card tool to Stripe and the digit
// vault that holds the freshly collected card fields.
type PaymentConfig struct {
	APIKey string
	// ResolveCard maps a vault token from the digit subsystem to the
	// stored ciphertext's decrypted last4, for receipt metadata. Raw card
	// digits are exchanged with the processor out of band; they never
	// transit the model.
	ResolveCard func(ctx context.Context, token string) (last4 string, err error)
	Allowed     func() bool // kill-switch check; always consulted first
}

// ChargeCard returns the charge_card side-effect tool: it resolves the
// vault-tokenized card fields collected by the digit subsystem and
// creates a PaymentIntent. Raw card digits never pass through the model.
func ChargeCard(cfg PaymentConfig) llm.ToolDef {
	return llm.ToolDef{
		Name:        "charge_card",
		Description: "Charge the card the caller just entered on their keypad.",
		Class:       llm.ClassSideEffect,
		TimeoutMS:   20000,
		RetryLimit:  0,
		Schema: llm.ParamSchema{Params: []llm.ParamSpec{
			{Name: "amount_cents", Kind: llm.ParamInteger, Required: true, Minimum: f64(1)},
			{Name: "currency", Kind: llm.ParamString, Required: true, Enum: []string{"usd", "eur", "gbp"}},
			{Name: "card_token", Kind: llm.ParamString, Required: true},
			{Name: "description", Kind: llm.ParamString},
		}},
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			const op = serrors.Op("tools.ChargeCard")
			if cfg.Allowed != nil && !cfg.Allowed() {
				return nil, serrors.E(op, serrors.Permission, "payment capture is disabled")
			}

			amount, _ := args["amount_cents"].(float64)
			currency, _ := args["currency"].(string)
			description, _ := args["description"].(string)
			cardToken, _ := args["card_token"].(string)

			last4 := ""
			if cfg.ResolveCard != nil {
				var err error
				if last4, err = cfg.ResolveCard(ctx, cardToken); err != nil {
					return nil, serrors.E(op, serrors.Validation, "unknown card token", err)
				}
			}

			stripe.Key = cfg.APIKey
			params := &stripe.PaymentIntentParams{
				Amount:   stripe.Int64(int64(amount)),
				Currency: stripe.String(currency),
				AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
					Enabled: stripe.Bool(true),
				},
			}
			if description != "" {
				params.Description = stripe.String(description)
			}
			params.AddMetadata("card_token", cardToken)
			if last4 != "" {
				params.AddMetadata("card_last4", last4)
			}
			params.Context = ctx

			intent, err := paymentintent.New(params)
			if err != nil {
				return nil, serrors.E(op, serrors.Unavailable, err)
			}
			return map[string]any{
				"status":            string(intent.Status),
				"payment_intent_id": intent.ID,
				"amount_cents":      intent.Amount,
				"currency":          string(intent.Currency),
			}, nil
		},
	}
}
