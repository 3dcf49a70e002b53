package webhookingress

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/callcore/internal/domain/call"
)

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeStrict, ParseMode("strict"))
	assert.Equal(t, ModeWarn, ParseMode("warn"))
	assert.Equal(t, ModeOff, ParseMode("off"))
	assert.Equal(t, ModeStrict, ParseMode("anything-else"))
}

func TestTranslateStatus(t *testing.T) {
	now := time.Now()
	ev, ok := TranslateStatus("in-progress", now)
	require.True(t, ok)
	assert.Equal(t, call.StatusInProgress, ev.Status)

	ev, ok = TranslateStatus("unanswered", now)
	require.True(t, ok, "vonage vocabulary maps onto the core set")
	assert.Equal(t, call.StatusNoAnswer, ev.Status)

	_, ok = TranslateStatus("vibing", now)
	assert.False(t, ok)
}

func TestTranslateDTMF(t *testing.T) {
	ev, ok := TranslateDTMF("7", time.Now())
	require.True(t, ok)
	assert.Equal(t, '7', ev.Digit)

	_, ok = TranslateDTMF("77", time.Now())
	assert.False(t, ok)
	_, ok = TranslateDTMF("x", time.Now())
	assert.False(t, ok)

	ev, ok = TranslateDTMF("#", time.Now())
	require.True(t, ok)
	assert.Equal(t, '#', ev.Digit)
}

func TestTranslateGatherCarriesDedupeScope(t *testing.T) {
	ev := TranslateGather("12345", "plan-1", "2", "chan-x", time.Now())
	assert.Equal(t, "gather-result", ev.Kind)
	assert.Equal(t, "12345", ev.Digits)
	assert.Equal(t, "plan-1:2:chan-x", ev.Dedupe)
}

func TestTranslateMedia(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	frame, ok := TranslateMedia("twilio", payload, "17")
	require.True(t, ok)
	assert.Equal(t, 17, frame.SequenceNumber)
	assert.Equal(t, []byte{1, 2, 3}, frame.Payload)
	assert.Equal(t, "mulaw/8000", frame.Encoding)

	frame, ok = TranslateMedia("vonage", payload, "0")
	require.True(t, ok)
	assert.Equal(t, "l16/16000", frame.Encoding)

	_, ok = TranslateMedia("twilio", "not-base64!!!", "1")
	assert.False(t, ok)
}

func TestOverrideTokenRoundTrip(t *testing.T) {
	token, err := MintOverrideToken("secret", "webhook_replay", time.Minute)
	require.NoError(t, err)

	scope, err := VerifyOverrideToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "webhook_replay", scope)

	_, err = VerifyOverrideToken("other-secret", token)
	assert.Error(t, err)

	expired, err := MintOverrideToken("secret", "webhook_replay", -time.Minute)
	require.NoError(t, err)
	_, err = VerifyOverrideToken("secret", expired)
	assert.Error(t, err)
}
