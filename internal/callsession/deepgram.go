package callsession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/iota-uz/callcore/pkg/serrors"
)

// DeepgramTranscriber opens one streaming STT websocket per call
// against Deepgram's listen API, passing provider-native audio through
// untranscoded.
type DeepgramTranscriber struct {
	apiKey  string
	baseURL string
	dialer  *websocket.Dialer
}

// NewDeepgramTranscriber constructs a DeepgramTranscriber. baseURL
// defaults to the public API.
func NewDeepgramTranscriber(apiKey, baseURL string) *DeepgramTranscriber {
	if baseURL == "" {
		baseURL = "wss://api.deepgram.com"
	}
	return &DeepgramTranscriber{
		apiKey:  apiKey,
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
	}
}

func (t *DeepgramTranscriber) Connect(ctx context.Context, callSID string, encoding string, sampleRate int) (STTConn, error) {
	const op = serrors.Op("callsession.DeepgramTranscriber.Connect")

	dgEncoding := "mulaw"
	if strings.HasPrefix(encoding, "l16") {
		dgEncoding = "linear16"
	}
	q := url.Values{}
	q.Set("encoding", dgEncoding)
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")

	header := http.Header{}
	header.Set("Authorization", "Token "+t.apiKey)

	conn, resp, err := t.dialer.DialContext(ctx, t.baseURL+"/v1/listen?"+q.Encode(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, serrors.E(op, serrors.Unavailable, err)
	}

	c := &deepgramConn{conn: conn, events: make(chan STTEvent, 64)}
	go c.readPump()
	return c, nil
}

type deepgramConn struct {
	conn   *websocket.Conn
	events chan STTEvent
}

func (c *deepgramConn) SendAudio(payload []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *deepgramConn) Events() <-chan STTEvent { return c.events }

func (c *deepgramConn) Close() error {
	err := c.conn.Close()
	return err
}

// deepgramResult is the subset of the listen API's response the session
// consumes.
type deepgramResult struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (c *deepgramConn) readPump() {
	defer close(c.events)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.events <- STTEvent{Kind: STTClosed}
			return
		}
		var result deepgramResult
		if err := json.Unmarshal(message, &result); err != nil {
			continue
		}
		if len(result.Channel.Alternatives) == 0 {
			continue
		}
		text := result.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		kind := STTUtterance
		if result.IsFinal {
			kind = STTFinal
		}
		c.events <- STTEvent{Kind: kind, Text: text}
	}
}

// DeepgramSynthesizer renders TTS audio through Deepgram's speak API in
// the provider-native encoding.
type DeepgramSynthesizer struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewDeepgramSynthesizer constructs a DeepgramSynthesizer.
func NewDeepgramSynthesizer(apiKey, baseURL string) *DeepgramSynthesizer {
	if baseURL == "" {
		baseURL = "https://api.deepgram.com"
	}
	return &DeepgramSynthesizer{apiKey: apiKey, baseURL: baseURL, client: http.DefaultClient}
}

func (s *DeepgramSynthesizer) Synthesize(ctx context.Context, voiceModel, encoding string, sampleRate int, container, text string) ([]byte, error) {
	const op = serrors.Op("callsession.DeepgramSynthesizer.Synthesize")

	dgEncoding := "mulaw"
	if strings.HasPrefix(encoding, "l16") {
		dgEncoding = "linear16"
	}
	q := url.Values{}
	q.Set("model", voiceModel)
	q.Set("encoding", dgEncoding)
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	if container != "" {
		q.Set("container", container)
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, serrors.E(op, serrors.Validation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/speak?"+q.Encode(), strings.NewReader(string(body)))
	if err != nil {
		return nil, serrors.E(op, serrors.Validation, err)
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, serrors.E(op, serrors.Unavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, serrors.E(op, serrors.Unavailable, fmt.Sprintf("speak returned %d", resp.StatusCode))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, serrors.E(op, serrors.Unavailable, err)
	}
	return audio, nil
}
