package callsession

import (
	"context"
	"time"

	"github.com/iota-uz/callcore/pkg/composables"
	"github.com/iota-uz/callcore/pkg/serrors"
)

// STTEventKind discriminates one event from the speech-to-text stream.
type STTEventKind string

const (
	STTUtterance STTEventKind = "utterance" // interim text, triggers barge-in
	STTFinal     STTEventKind = "final"     // finalized utterance, fed to the LLM
	STTClosed    STTEventKind = "closed"
)

// STTEvent is one normalized speech-to-text event.
type STTEvent struct {
	Kind STTEventKind
	Text string
}

// Transcriber is the external STT collaborator's contract: one
// connection per call, frames in, events out. The core does not
// implement STT models.
type Transcriber interface {
	Connect(ctx context.Context, callSID string, encoding string, sampleRate int) (STTConn, error)
}

// STTConn is one live STT connection.
type STTConn interface {
	SendAudio(payload []byte) error
	Events() <-chan STTEvent
	Close() error
}

// reconnectingSTT wraps a Transcriber with the local recovery policy:
// reconnect on transient close, escalate after maxReconnects.
type reconnectingSTT struct {
	transcriber   Transcriber
	maxReconnects int
	backoff       time.Duration
}

func newReconnectingSTT(t Transcriber, maxReconnects int) *reconnectingSTT {
	if maxReconnects <= 0 {
		maxReconnects = 3
	}
	return &reconnectingSTT{transcriber: t, maxReconnects: maxReconnects, backoff: 250 * time.Millisecond}
}

// run pumps STT events into handle, transparently reconnecting on a
// closed stream. It returns nil when ctx is cancelled (call close) and
// an error only once reconnects are exhausted.
func (r *reconnectingSTT) run(ctx context.Context, callSID, encoding string, sampleRate int, connCh chan<- STTConn, handle func(STTEvent)) error {
	const op = serrors.Op("callsession.reconnectingSTT.run")
	logger := composables.UseLogger(ctx)

	attempts := 0
	for {
		conn, err := r.transcriber.Connect(ctx, callSID, encoding, sampleRate)
		if err != nil {
			attempts++
			if attempts > r.maxReconnects {
				return serrors.E(op, serrors.Unavailable, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.backoff * time.Duration(attempts)):
			}
			continue
		}
		select {
		case connCh <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}

		closed := false
		for !closed {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return nil
			case ev, ok := <-conn.Events():
				if !ok || ev.Kind == STTClosed {
					closed = true
					break
				}
				handle(ev)
			}
		}

		attempts++
		if attempts > r.maxReconnects {
			return serrors.E(op, serrors.Unavailable, "stt stream closed after max reconnects")
		}
		logger.WithField("attempt", attempts).Info("callsession: stt stream closed, reconnecting")
		handle(STTEvent{Kind: STTClosed})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.backoff * time.Duration(attempts)):
		}
	}
}
