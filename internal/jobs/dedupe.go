package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iota-uz/callcore/pkg/serrors"
)

const (
	defaultDedupeStream = "callcore:jobs:nudge"
	defaultDedupePrefix = "callcore:jobs:dedupe"
	defaultDedupeTTL    = 30 * time.Minute
	defaultStreamMaxLen = 10_000
)

// Deduper is the fast enqueue-dedupe path in front of the durable jobs
// table: SetNX per logical key, plus a capped stream entry nudging the
// poller so scheduled work starts before the next poll interval.
type Deduper struct {
	client *redis.Client
	stream string
	prefix string
	ttl    time.Duration
}

// DeduperConfig configures the Redis dedupe path.
type DeduperConfig struct {
	RedisURL string
	Stream   string
	Prefix   string
	TTL      time.Duration
	Client   *redis.Client
}

// NewDeduper constructs a Deduper, dialing RedisURL when no client is
// supplied.
func NewDeduper(cfg DeduperConfig) (*Deduper, error) {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultDedupeStream
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultDedupePrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	client := cfg.Client
	if client == nil {
		c, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		client = c
	}
	return &Deduper{client: client, stream: stream, prefix: prefix, ttl: ttl}, nil
}

// Claim reports whether key was newly claimed. A false return means an
// equivalent job was enqueued within the TTL and the caller should skip
// the insert.
func (d *Deduper) Claim(ctx context.Context, key string) (bool, error) {
	const op = serrors.Op("jobs.Deduper.Claim")
	claimCtx := context.WithoutCancel(ctx)
	claimed, err := d.client.SetNX(claimCtx, d.prefix+":"+key, "1", d.ttl).Result()
	if err != nil {
		return false, serrors.E(op, serrors.Unavailable, err)
	}
	if !claimed {
		return false, nil
	}
	_, err = d.client.XAdd(claimCtx, &redis.XAddArgs{
		Stream: d.stream,
		MaxLen: defaultStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"key":         key,
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		_, _ = d.client.Del(claimCtx, d.prefix+":"+key).Result()
		return false, serrors.E(op, serrors.Unavailable, err)
	}
	return true, nil
}

// Release drops a dedupe claim, letting the same key be enqueued again
// immediately (used when the durable insert fails after a claim).
func (d *Deduper) Release(ctx context.Context, key string) {
	_, _ = d.client.Del(context.WithoutCancel(ctx), d.prefix+":"+key).Result()
}

// Close releases the underlying client.
func (d *Deduper) Close() error { return d.client.Close() }

func newRedisClient(redisURL string) (*redis.Client, error) {
	const op = serrors.Op("jobs.newRedisClient")
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, serrors.E(op, serrors.Validation, "redis url is required")
	}
	var opts *redis.Options
	var err error
	if strings.Contains(redisURL, "://") {
		opts, err = redis.ParseURL(redisURL)
		if err != nil {
			return nil, serrors.E(op, serrors.Validation, fmt.Sprintf("parse redis url: %v", err))
		}
	} else {
		opts = &redis.Options{Addr: redisURL}
	}
	client := redis.NewClient(opts)
	if pingErr := client.Ping(context.Background()).Err(); pingErr != nil {
		_ = client.Close()
		return nil, serrors.E(op, serrors.Unavailable, pingErr)
	}
	return client, nil
}
