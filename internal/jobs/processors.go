package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iota-uz/callcore/internal/domain/call"
	"github.com/iota-uz/callcore/internal/domain/job"
	"github.com/iota-uz/callcore/internal/providers"
	"github.com/iota-uz/callcore/pkg/serrors"
)

// Processors wires the four job kinds to their collaborators. Register
// attaches them all to a Runner.
type Processors struct {
	Router      *providers.Router
	Calls       call.Repository
	Deliverer   *Deliverer
	From        string
	WebhookHost string
}

// Register installs every processor on r.
func (p *Processors) Register(r *Runner) {
	r.Register(job.KindOutboundCall, p.OutboundCall)
	r.Register(job.KindScheduledSMS, p.ScheduledSMS)
	r.Register(job.KindReconciliation, p.Reconciliation)
	r.Register(job.KindWebhookReplay, p.WebhookReplay)
}

// OutboundCall places a call through the active provider and persists
// the resulting Call record.
func (p *Processors) OutboundCall(ctx context.Context, j *job.Job) error {
	const op = serrors.Op("jobs.Processors.OutboundCall")
	number, _ := j.Payload["number"].(string)
	prompt, _ := j.Payload["prompt"].(string)
	firstMessage, _ := j.Payload["first_message"].(string)
	if number == "" {
		return serrors.E(op, serrors.Validation, "payload missing number")
	}

	now := time.Now()
	provider, err := p.Router.ActiveTelephony(now)
	if err != nil {
		return err
	}

	callSID, err := provider.Place(ctx, providers.PlaceCallRequest{
		To:             number,
		From:           p.From,
		WebhookURL:     fmt.Sprintf("https://%s/webhook/%s-voice", p.WebhookHost, provider.Name()),
		StatusCallback: fmt.Sprintf("https://%s/webhook/%s-status", p.WebhookHost, provider.Name()),
	})
	if err != nil {
		p.Router.RecordTelephonyFailure(ctx, provider.Name(), time.Now())
		return serrors.E(op, serrors.Unavailable, err)
	}
	p.Router.RecordTelephonySuccess(provider.Name(), time.Now())

	c := call.New(callSID, provider.Name(), call.DirectionOutbound, number, prompt, firstMessage)
	if err := p.Calls.Create(ctx, c); err != nil {
		return serrors.E(op, serrors.Unavailable, err)
	}
	return nil
}

// ScheduledSMS sends a queued SMS through the active SMS provider.
func (p *Processors) ScheduledSMS(ctx context.Context, j *job.Job) error {
	const op = serrors.Op("jobs.Processors.ScheduledSMS")
	to, _ := j.Payload["to"].(string)
	body, _ := j.Payload["body"].(string)
	if to == "" || body == "" {
		return serrors.E(op, serrors.Validation, "payload missing to/body")
	}

	provider, err := p.Router.ActiveSMS(time.Now())
	if err != nil {
		return err
	}
	if _, err := provider.Send(ctx, providers.SMSMessage{To: to, From: p.From, Body: body}); err != nil {
		p.Router.RecordSMSFailure(ctx, provider.Name(), time.Now())
		return serrors.E(op, serrors.Unavailable, err)
	}
	p.Router.RecordSMSSuccess(provider.Name(), time.Now())
	return nil
}

// Reconciliation refreshes a sent message's delivery status from the
// provider.
func (p *Processors) Reconciliation(ctx context.Context, j *job.Job) error {
	const op = serrors.Op("jobs.Processors.Reconciliation")
	messageSID, _ := j.Payload["message_sid"].(string)
	providerName, _ := j.Payload["provider"].(string)
	if messageSID == "" {
		return serrors.E(op, serrors.Validation, "payload missing message_sid")
	}

	provider, err := p.Router.ActiveSMS(time.Now())
	if err != nil {
		return err
	}
	if providerName != "" && provider.Name() != providerName {
		// The message was sent by a provider that is now degraded;
		// reconciliation still has to ask the one that sent it, so the
		// job retries until that provider recovers.
		return serrors.E(op, serrors.Unavailable, "originating provider not active")
	}
	status, err := provider.Reconcile(ctx, messageSID)
	if err != nil {
		return serrors.E(op, serrors.Unavailable, err)
	}
	j.Payload["reconciled_status"] = status
	return nil
}

// WebhookReplay re-delivers a previously failed outbound webhook.
func (p *Processors) WebhookReplay(ctx context.Context, j *job.Job) error {
	const op = serrors.Op("jobs.Processors.WebhookReplay")
	url, _ := j.Payload["url"].(string)
	if url == "" {
		return serrors.E(op, serrors.Validation, "payload missing url")
	}
	body, err := json.Marshal(j.Payload["body"])
	if err != nil {
		return serrors.E(op, serrors.Validation, err)
	}
	return p.Deliverer.Deliver(ctx, url, body)
}
