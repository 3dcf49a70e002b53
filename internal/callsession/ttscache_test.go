package callsession

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSynth struct {
	calls int64
	block chan struct{}
}

func (s *countingSynth) Synthesize(ctx context.Context, voiceModel, encoding string, sampleRate int, container, text string) ([]byte, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.block != nil {
		<-s.block
	}
	return []byte(voiceModel + ":" + text), nil
}

func TestTTSCacheHitReturnsStoredAudio(t *testing.T) {
	synth := &countingSynth{}
	cache := NewTTSCache(synth, 10, time.Minute)
	ctx := context.Background()

	first, err := cache.Get(ctx, "aura-asteria-en", "mulaw/8000", 8000, "none", "hello")
	require.NoError(t, err)

	second, err := cache.Get(ctx, "aura-asteria-en", "mulaw/8000", 8000, "none", "hello")
	require.NoError(t, err)

	// A hit returns exactly the audio stored at the last miss for the
	// same key.
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&synth.calls))
}

func TestTTSCacheKeyVariesByVoiceAndEncoding(t *testing.T) {
	synth := &countingSynth{}
	cache := NewTTSCache(synth, 10, time.Minute)
	ctx := context.Background()

	_, err := cache.Get(ctx, "voice-a", "mulaw/8000", 8000, "none", "hello")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "voice-b", "mulaw/8000", 8000, "none", "hello")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "voice-a", "l16/16000", 16000, "none", "hello")
	require.NoError(t, err)

	assert.Equal(t, int64(3), atomic.LoadInt64(&synth.calls))
}

func TestTTSCacheJoinsInFlightRequests(t *testing.T) {
	synth := &countingSynth{block: make(chan struct{})}
	cache := NewTTSCache(synth, 10, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			audio, err := cache.Get(ctx, "voice", "mulaw/8000", 8000, "none", "same text")
			require.NoError(t, err)
			results[i] = audio
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(synth.block)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&synth.calls), "concurrent requests join the in-flight synthesis")
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestTTSCacheEvictsPastCapacity(t *testing.T) {
	synth := &countingSynth{}
	cache := NewTTSCache(synth, 2, time.Minute)
	ctx := context.Background()

	_, _ = cache.Get(ctx, "v", "e", 8000, "c", "one")
	_, _ = cache.Get(ctx, "v", "e", 8000, "c", "two")
	_, _ = cache.Get(ctx, "v", "e", 8000, "c", "three")
	assert.Equal(t, 2, cache.Len())

	// "one" was evicted; fetching it again synthesizes anew.
	_, _ = cache.Get(ctx, "v", "e", 8000, "c", "one")
	assert.Equal(t, int64(4), atomic.LoadInt64(&synth.calls))
}

func TestTTSCacheTTLExpiry(t *testing.T) {
	synth := &countingSynth{}
	cache := NewTTSCache(synth, 10, 10*time.Millisecond)
	ctx := context.Background()

	_, _ = cache.Get(ctx, "v", "e", 8000, "c", "hello")
	time.Sleep(20 * time.Millisecond)
	_, _ = cache.Get(ctx, "v", "e", 8000, "c", "hello")
	assert.Equal(t, int64(2), atomic.LoadInt64(&synth.calls))
}
