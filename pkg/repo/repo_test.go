package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilters(t *testing.T) {
	assert.Equal(t, "status = $3", Eq("completed").String("status", 3))
	assert.Equal(t, "status <> $1", NotEq("failed").String("status", 1))
	assert.Equal(t, "attempts >= $2", Gte(3).String("attempts", 2))
	assert.Equal(t, "phone LIKE $1", Like("%555%").String("phone", 1))
	assert.Equal(t, "phone NOT LIKE $4", NotLike("%555%").String("phone", 4))
	assert.Equal(t, []any{"completed"}, Eq("completed").Value())
}

func TestInFilter(t *testing.T) {
	f := In([]string{"queued", "ringing"})
	assert.Equal(t, "status IN ($2,$3)", f.String("status", 2))
	assert.Equal(t, []any{"queued", "ringing"}, f.Value())
}

func TestInsertBuilder(t *testing.T) {
	stmt := Insert("calls", []string{"call_sid", "provider"}, "id")
	assert.Equal(t, "INSERT INTO calls (call_sid, provider) VALUES ($1, $2) RETURNING id", stmt)
}

func TestUpdateBuilder(t *testing.T) {
	stmt := Update("calls", []string{"status", "ended_at"}, "call_sid")
	assert.Equal(t, "UPDATE calls SET status = $1, ended_at = $2 WHERE call_sid = $3", stmt)
}

func TestCacheKeyStability(t *testing.T) {
	a := CacheKey("voice", "mulaw/8000", 8000, "none", "deadbeef")
	b := CacheKey("voice", "mulaw/8000", 8000, "none", "deadbeef")
	c := CacheKey("voice", "mulaw/8000", 16000, "none", "deadbeef")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, CacheKey(int32(1)), CacheKey(int64(1)), "type participates in the key")
}
