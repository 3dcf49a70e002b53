package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssigner "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/go-faster/errors"

	"github.com/iota-uz/callcore/pkg/serrors"
)

// AWSConnectProvider talks to Amazon Connect's outbound-voice and
// webhook-relay surface via signed plain HTTP requests: no generated
// Connect service client is linked, so requests are signed by hand with
// aws-sdk-go-v2's SigV4 signer.
type AWSConnectProvider struct {
	httpClient    *http.Client
	signer        *awssigner.Signer
	credentials   aws.CredentialsProvider
	region        string
	instanceID    string
	contactFlowID string
	endpoint      string
}

func NewAWSConnectProvider(region, instanceID, contactFlowID, accessKeyID, secretAccessKey string) *AWSConnectProvider {
	// Explicit keys win; otherwise fall back to the ambient credential
	// chain (env, shared config, instance role).
	var creds aws.CredentialsProvider = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	if accessKeyID == "" {
		if cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region)); err == nil {
			creds = cfg.Credentials
		}
	}
	return &AWSConnectProvider{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		signer:        awssigner.NewSigner(),
		credentials:   creds,
		region:        region,
		instanceID:    instanceID,
		contactFlowID: contactFlowID,
		endpoint:      fmt.Sprintf("https://connect.%s.amazonaws.com", region),
	}
}

func (p *AWSConnectProvider) Name() string { return "aws_connect" }

func (p *AWSConnectProvider) sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := p.credentials.Retrieve(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieve aws credentials")
	}
	hash := sha256.Sum256(body)
	return p.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(hash[:]), "connect", p.region, time.Now())
}

func (p *AWSConnectProvider) Place(ctx context.Context, req PlaceCallRequest) (string, error) {
	const op = serrors.Op("AWSConnectProvider.Place")
	body, err := json.Marshal(map[string]interface{}{
		"InstanceId":             p.instanceID,
		"ContactFlowId":          p.contactFlowID,
		"DestinationPhoneNumber": req.To,
		"SourcePhoneNumber":      req.From,
	})
	if err != nil {
		return "", serrors.E(op, serrors.Internal, errors.Wrap(err, "marshal request"))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, p.endpoint+"/contact/outbound-voice", bytes.NewReader(body))
	if err != nil {
		return "", serrors.E(op, serrors.Internal, errors.Wrap(err, "build request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := p.sign(ctx, httpReq, body); err != nil {
		return "", serrors.E(op, serrors.Internal, errors.Wrap(err, "sign request"))
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", serrors.E(op, serrors.Unavailable, errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", serrors.E(op, serrors.Unavailable, fmt.Sprintf("aws connect returned %d", resp.StatusCode))
	}
	var out struct {
		ContactID string `json:"ContactId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", serrors.E(op, serrors.Internal, errors.Wrap(err, "decode response"))
	}
	return out.ContactID, nil
}

func (p *AWSConnectProvider) Hangup(ctx context.Context, callSID string) error {
	const op = serrors.Op("AWSConnectProvider.Hangup")
	body, _ := json.Marshal(map[string]string{"InstanceId": p.instanceID, "ContactId": callSID})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/contact/stop", bytes.NewReader(body))
	if err != nil {
		return serrors.E(op, serrors.Internal, errors.Wrap(err, "build request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := p.sign(ctx, httpReq, body); err != nil {
		return serrors.E(op, serrors.Internal, errors.Wrap(err, "sign request"))
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return serrors.E(op, serrors.Unavailable, errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return serrors.E(op, serrors.Unavailable, fmt.Sprintf("aws connect returned %d", resp.StatusCode))
	}
	return nil
}

// SendMedia is unsupported: Connect media streaming is configured at
// the contact-flow level, not per-frame from the orchestrator.
func (p *AWSConnectProvider) SendMedia(ctx context.Context, callSID string, frame MediaFrame) error {
	return serrors.E(serrors.Op("AWSConnectProvider.SendMedia"), serrors.Validation, "aws connect does not support frame-level media injection")
}

// UpdateTwiml has no AWS Connect analogue; contact flows are static.
func (p *AWSConnectProvider) UpdateTwiml(ctx context.Context, callSID string, twiml string) error {
	return serrors.E(serrors.Op("AWSConnectProvider.UpdateTwiml"), serrors.Validation, "aws connect has no twiml equivalent")
}

func (p *AWSConnectProvider) VerifyWebhook(url string, params map[string]string, signature string) bool {
	// Every request is accepted; no SNS message signature check is
	// made here or in internal/webhookingress.
	return true
}
