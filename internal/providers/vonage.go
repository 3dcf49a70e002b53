package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"

	"github.com/iota-uz/callcore/pkg/serrors"
)

// VonageProvider is a plain authenticated HTTP client against the
// Vonage Voice and Messages APIs; no SDK is linked, so requests are
// built by hand.
type VonageProvider struct {
	httpClient      *http.Client
	apiKey          string
	apiSecret       string
	signatureSecret string
	applicationID   string
	baseURL         string
}

func NewVonageProvider(apiKey, apiSecret, signatureSecret, applicationID string) *VonageProvider {
	return &VonageProvider{
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		apiKey:          apiKey,
		apiSecret:       apiSecret,
		signatureSecret: signatureSecret,
		applicationID:   applicationID,
		baseURL:         "https://api.nexmo.com",
	}
}

func (p *VonageProvider) Name() string { return "vonage" }

func (p *VonageProvider) doJSON(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal body")
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.apiKey, p.apiSecret)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("vonage returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *VonageProvider) Place(ctx context.Context, req PlaceCallRequest) (string, error) {
	const op = serrors.Op("VonageProvider.Place")
	payload := map[string]interface{}{
		"to":         []map[string]string{{"type": "phone", "number": req.To}},
		"from":       map[string]string{"type": "phone", "number": req.From},
		"answer_url": []string{req.WebhookURL},
		"event_url":  []string{req.StatusCallback},
	}
	var out struct {
		UUID string `json:"uuid"`
	}
	if err := p.doJSON(ctx, http.MethodPost, "/v1/calls", payload, &out); err != nil {
		return "", serrors.E(op, serrors.Unavailable, err)
	}
	return out.UUID, nil
}

func (p *VonageProvider) Hangup(ctx context.Context, callSID string) error {
	const op = serrors.Op("VonageProvider.Hangup")
	payload := map[string]string{"action": "hangup"}
	if err := p.doJSON(ctx, http.MethodPut, "/v1/calls/"+callSID, payload, nil); err != nil {
		return serrors.E(op, serrors.Unavailable, err)
	}
	return nil
}

func (p *VonageProvider) SendMedia(ctx context.Context, callSID string, frame MediaFrame) error {
	return nil
}

func (p *VonageProvider) UpdateTwiml(ctx context.Context, callSID string, twiml string) error {
	const op = serrors.Op("VonageProvider.UpdateTwiml")
	// Vonage has no TwiML concept; treat the payload as an NCCO JSON
	// document the caller already rendered for Vonage.
	var ncco []map[string]interface{}
	if err := json.Unmarshal([]byte(twiml), &ncco); err != nil {
		return serrors.E(op, serrors.Validation, errors.Wrap(err, "twiml is not a valid ncco document"))
	}
	if err := p.doJSON(ctx, http.MethodPut, "/v1/calls/"+callSID, map[string]interface{}{"action": "transfer", "destination": map[string]interface{}{"type": "ncco", "ncco": ncco}}, nil); err != nil {
		return serrors.E(op, serrors.Unavailable, err)
	}
	return nil
}

// VerifyWebhook checks Vonage's HMAC-SHA256 signed-callback scheme.
func (p *VonageProvider) VerifyWebhook(url string, params map[string]string, signature string) bool {
	mac := hmac.New(sha256.New, []byte(p.signatureSecret))
	mac.Write([]byte(params["sig_payload"]))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (p *VonageProvider) Send(ctx context.Context, msg SMSMessage) (string, error) {
	const op = serrors.Op("VonageProvider.Send")
	payload := map[string]string{
		"to":   msg.To,
		"from": msg.From,
		"text": msg.Body,
	}
	var out struct {
		Messages []struct {
			MessageID string `json:"message-id"`
			Status    string `json:"status"`
		} `json:"messages"`
	}
	if err := p.doJSON(ctx, http.MethodPost, "/sms/json", payload, &out); err != nil {
		return "", serrors.E(op, serrors.Unavailable, err)
	}
	if len(out.Messages) == 0 {
		return "", serrors.E(op, serrors.Internal, "vonage returned no messages")
	}
	if out.Messages[0].Status != "0" {
		return "", serrors.E(op, serrors.Unavailable, fmt.Sprintf("vonage sms status %s", out.Messages[0].Status))
	}
	return out.Messages[0].MessageID, nil
}

func (p *VonageProvider) Verify(url string, params map[string]string, signature string) bool {
	return p.VerifyWebhook(url, params, signature)
}

func (p *VonageProvider) Reconcile(ctx context.Context, messageSID string) (string, error) {
	// Vonage SMS has no fetch-by-id endpoint; status arrives only via
	// the delivery-receipt webhook.
	return "", serrors.E(serrors.Op("VonageProvider.Reconcile"), serrors.Validation, "vonage does not support sms status polling")
}
