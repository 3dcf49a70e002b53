// Package providers implements the provider router: pluggable
// telephony/SMS providers selected with health-tracked failover.
package providers

import (
	"context"
)

// MediaFrame is one inbound or outbound audio frame in a provider's
// native encoding.
type MediaFrame struct {
	SequenceNumber int
	Payload        []byte
	Encoding       string // e.g. "mulaw/8000", "l16/16000"
}

// PlaceCallRequest describes an outbound call placement.
type PlaceCallRequest struct {
	To             string
	From           string
	WebhookURL     string
	StatusCallback string
}

// TelephonyProvider is the single interface every voice provider
// adapter implements.
type TelephonyProvider interface {
	Name() string
	Place(ctx context.Context, req PlaceCallRequest) (callSID string, err error)
	Hangup(ctx context.Context, callSID string) error
	SendMedia(ctx context.Context, callSID string, frame MediaFrame) error
	UpdateTwiml(ctx context.Context, callSID string, twiml string) error
	VerifyWebhook(url string, params map[string]string, signature string) bool
}

// SMSMessage is one inbound or outbound SMS.
type SMSMessage struct {
	To   string
	From string
	Body string
}

// SmsProvider is the single interface every SMS provider adapter
// implements.
type SmsProvider interface {
	Name() string
	Send(ctx context.Context, msg SMSMessage) (messageSID string, err error)
	Verify(url string, params map[string]string, signature string) bool
	Reconcile(ctx context.Context, messageSID string) (status string, err error)
}
