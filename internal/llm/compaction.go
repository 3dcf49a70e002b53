package llm

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/iota-uz/callcore/internal/domain/callmemory"
)

// Compactor runs the off-turn memory compaction pass: when a call's
// rolling summary plus facts outgrow the reserve, it prunes
// low-confidence facts until the block fits. Unlike the streaming
// estimator (EstimateTokens), this path can afford a real tokenizer.
type Compactor struct {
	encoding *tiktoken.Tiktoken
	reserve  int
}

// NewCompactor constructs a Compactor budgeting the summary+facts block
// to reserve tokens. The cl100k_base encoding covers every model the
// engine targets; a load failure degrades to the chars/4 estimate.
func NewCompactor(reserve int) *Compactor {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Compactor{encoding: enc, reserve: reserve}
}

// CountTokens counts text precisely, falling back to the streaming
// estimate when no encoding is available.
func (c *Compactor) CountTokens(text string) int {
	if c.encoding == nil {
		return EstimateTokens(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// Compact prunes mem's facts, lowest confidence first, until the
// summary+facts block fits the reserve. The summary itself is already
// bounded by summaryMaxChars; facts are the variable part.
func (c *Compactor) Compact(mem *callmemory.CallMemory) {
	if mem == nil || c.reserve <= 0 {
		return
	}
	for len(mem.Facts) > 0 && c.blockTokens(mem) > c.reserve {
		mem.DropWeakestFact()
	}
}

func (c *Compactor) blockTokens(mem *callmemory.CallMemory) int {
	total := c.CountTokens(mem.Summary)
	for _, f := range mem.Facts {
		total += c.CountTokens(f.Text)
	}
	return total
}
