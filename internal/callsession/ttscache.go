package callsession

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iota-uz/callcore/pkg/repo"
)

// Synthesizer turns one text chunk into provider-ready audio. The core
// does not implement TTS models; this is the external collaborator's
// contract.
type Synthesizer interface {
	Synthesize(ctx context.Context, voiceModel, encoding string, sampleRate int, container, text string) ([]byte, error)
}

type ttsEntry struct {
	key      string
	audio    []byte
	storedAt time.Time
}

// TTSCache is the process-wide LRU keyed by
// {voiceModel, encoding, sampleRate, container, textHash} with TTL and
// size cap. Concurrent requests for the same key join the in-flight
// synthesis instead of duplicating it.
type TTSCache struct {
	synth    Synthesizer
	maxItems int
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	flight singleflight.Group
}

// NewTTSCache constructs a TTSCache over synth.
func NewTTSCache(synth Synthesizer, maxItems int, ttl time.Duration) *TTSCache {
	if maxItems <= 0 {
		maxItems = 1000
	}
	return &TTSCache{
		synth:    synth,
		maxItems: maxItems,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Key derives the cache key for one synthesis request.
func (c *TTSCache) Key(voiceModel, encoding string, sampleRate int, container, text string) string {
	sum := sha256.Sum256([]byte(text))
	return repo.CacheKey(voiceModel, encoding, sampleRate, container, hex.EncodeToString(sum[:]))
}

// Get returns the audio for the request, synthesizing on miss. A hit
// returns exactly the bytes stored at the last miss for the same key.
func (c *TTSCache) Get(ctx context.Context, voiceModel, encoding string, sampleRate int, container, text string) ([]byte, error) {
	key := c.Key(voiceModel, encoding, sampleRate, container, text)

	if audio, ok := c.lookup(key, time.Now()); ok {
		return audio, nil
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		if audio, ok := c.lookup(key, time.Now()); ok {
			return audio, nil
		}
		audio, err := c.synth.Synthesize(ctx, voiceModel, encoding, sampleRate, container, text)
		if err != nil {
			return nil, err
		}
		c.store(key, audio, time.Now())
		return audio, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *TTSCache) lookup(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*ttsEntry)
	if c.ttl > 0 && now.Sub(entry.storedAt) > c.ttl {
		c.lru.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return entry.audio, true
}

func (c *TTSCache) store(key string, audio []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*ttsEntry).audio = audio
		el.Value.(*ttsEntry).storedAt = now
		c.lru.MoveToFront(el)
		return
	}
	c.entries[key] = c.lru.PushFront(&ttsEntry{key: key, audio: audio, storedAt: now})
	for c.lru.Len() > c.maxItems {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*ttsEntry).key)
	}
}

// Len reports the number of cached entries.
func (c *TTSCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
