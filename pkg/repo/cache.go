package repo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// CacheKey builds a stable hash key over any mix of primitive-ish
// arguments (strings, byte slices, bools, every int/uint width, floats,
// complex numbers, runes, uintptr). Used to key the TTS render cache by
// (voice model, encoding, sample rate, container, text).
func CacheKey(parts ...interface{}) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%T:%v|", p, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
