package eventbus

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type callClosed struct {
	CallSID string
}

func TestSubscribePublish(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	bus := NewEventPublisher(logger)

	var received []*callClosed
	bus.Subscribe(func(ev *callClosed) {
		received = append(received, ev)
	})

	bus.Publish(&callClosed{CallSID: "CA1"})
	assert.Len(t, received, 1)
	assert.Equal(t, "CA1", received[0].CallSID)
}

func TestSubscribeWithContext(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	bus := NewEventPublisher(logger)

	got := false
	bus.Subscribe(func(ctx context.Context, ev *callClosed) {
		got = ctx != nil
	})
	bus.Publish(&callClosed{CallSID: "CA2"})
	assert.True(t, got)
}

func TestUnsubscribe(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	bus := NewEventPublisher(logger)

	count := 0
	handler := func(ev *callClosed) { count++ }
	bus.Subscribe(handler)
	bus.Publish(&callClosed{})
	bus.Unsubscribe(handler)
	bus.Publish(&callClosed{})
	assert.Equal(t, 1, count)
}

func TestMatchSignature(t *testing.T) {
	fn := func(ctx context.Context, ev *callClosed) {}
	assert.True(t, MatchSignature(fn, []interface{}{context.Background(), &callClosed{}}))
	assert.False(t, MatchSignature(fn, []interface{}{&callClosed{}}))
	assert.False(t, MatchSignature("not a func", []interface{}{}))
}
