package providers

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	twilioClient "github.com/twilio/twilio-go"
	twilioRequest "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/iota-uz/callcore/pkg/serrors"
)

// TwilioProvider adapts the twilio-go REST client to TelephonyProvider
// and SmsProvider.
type TwilioProvider struct {
	client     *twilioClient.RestClient
	validator  twilioRequest.RequestValidator
	fromNumber string
}

func NewTwilioProvider(accountSID, authToken, fromNumber string) *TwilioProvider {
	client := twilioClient.NewRestClientWithParams(twilioClient.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{
		client:     client,
		validator:  twilioRequest.NewRequestValidator(authToken),
		fromNumber: fromNumber,
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) Place(ctx context.Context, req PlaceCallRequest) (string, error) {
	const op = serrors.Op("TwilioProvider.Place")
	from := req.From
	if from == "" {
		from = p.fromNumber
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetUrl(req.WebhookURL)
	if req.StatusCallback != "" {
		params.SetStatusCallback(req.StatusCallback)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}
	resp, err := p.client.Api.CreateCall(params)
	if err != nil {
		return "", serrors.E(op, serrors.Unavailable, errors.Wrap(err, "create call"))
	}
	if resp.Sid == nil {
		return "", serrors.E(op, serrors.Internal, "twilio returned empty call sid")
	}
	return *resp.Sid, nil
}

func (p *TwilioProvider) Hangup(ctx context.Context, callSID string) error {
	const op = serrors.Op("TwilioProvider.Hangup")
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.client.Api.UpdateCall(callSID, params); err != nil {
		return serrors.E(op, serrors.Unavailable, errors.Wrap(err, "hangup"))
	}
	return nil
}

// SendMedia is a no-op for Twilio's TwiML-driven voice flow: media is
// pushed over the bidirectional media-streams websocket by the call
// session actor, not through the REST API.
func (p *TwilioProvider) SendMedia(ctx context.Context, callSID string, frame MediaFrame) error {
	return nil
}

func (p *TwilioProvider) UpdateTwiml(ctx context.Context, callSID string, twiml string) error {
	const op = serrors.Op("TwilioProvider.UpdateTwiml")
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(twiml)
	if _, err := p.client.Api.UpdateCall(callSID, params); err != nil {
		return serrors.E(op, serrors.Unavailable, errors.Wrap(err, "update twiml"))
	}
	return nil
}

func (p *TwilioProvider) VerifyWebhook(url string, params map[string]string, signature string) bool {
	return p.validator.Validate(url, params, signature)
}

func (p *TwilioProvider) Send(ctx context.Context, msg SMSMessage) (string, error) {
	const op = serrors.Op("TwilioProvider.Send")
	from := msg.From
	if from == "" {
		from = p.fromNumber
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(from)
	params.SetBody(msg.Body)
	resp, err := p.client.Api.CreateMessage(params)
	if err != nil {
		return "", serrors.E(op, serrors.Unavailable, errors.Wrap(err, "send sms"))
	}
	if resp.Sid == nil {
		return "", serrors.E(op, serrors.Internal, "twilio returned empty message sid")
	}
	return *resp.Sid, nil
}

func (p *TwilioProvider) Verify(url string, params map[string]string, signature string) bool {
	return p.validator.Validate(url, params, signature)
}

func (p *TwilioProvider) Reconcile(ctx context.Context, messageSID string) (string, error) {
	const op = serrors.Op("TwilioProvider.Reconcile")
	resp, err := p.client.Api.FetchMessage(messageSID, &openapi.FetchMessageParams{})
	if err != nil {
		return "", serrors.E(op, serrors.Unavailable, errors.Wrap(err, "fetch message"))
	}
	if resp.Status == nil {
		return "", serrors.E(op, serrors.Internal, fmt.Sprintf("no status for %s", messageSID))
	}
	return *resp.Status, nil
}
