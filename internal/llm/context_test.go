package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/callcore/internal/domain/callmemory"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestCompileStaysUnderBudget(t *testing.T) {
	memory := callmemory.New("CA1", 4000)
	b := NewBuilder("system prompt", map[string]string{"callSid": "CA1"}, memory)

	long := strings.Repeat("the caller said many things in this turn ", 20)
	for i := 0; i < 50; i++ {
		b.PhaseTurns = append(b.PhaseTurns, Turn{Role: RoleUser, Content: long + string(rune('a'+i%26)), Phase: "resolution"})
	}

	policy := ContextPolicy{ContextTokenBudget: 800, MaxPerPhase: 40, TopNFacts: 5}
	compiled := b.Compile(policy)

	// Estimated prompt tokens stay within the budget.
	assert.LessOrEqual(t, compiled.TotalTokens, policy.ContextTokenBudget)
	assert.NotEmpty(t, memory.Summary, "folded turns land in the summary")
}

func TestCompileDeduplicatesIdenticalMessages(t *testing.T) {
	b := NewBuilder("system", nil, nil)
	b.PhaseTurns = []Turn{
		{Role: RoleUser, Content: "yes"},
		{Role: RoleUser, Content: "yes"},
		{Role: RoleUser, Content: "no"},
	}
	compiled := b.Compile(ContextPolicy{ContextTokenBudget: 10000, MaxPerPhase: 10})

	count := 0
	for _, turn := range compiled.Turns {
		if turn.Content == "yes" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCompileIncludesTopFacts(t *testing.T) {
	memory := callmemory.New("CA1", 4000)
	memory.AddFact(callmemory.Fact{Key: "name", Text: "caller is Dana", Confidence: 0.9})
	memory.AddFact(callmemory.Fact{Key: "intent", Text: "wants a refund", Confidence: 0.8})
	memory.AddFact(callmemory.Fact{Key: "noise", Text: "maybe has a dog", Confidence: 0.1})

	b := NewBuilder("system", nil, memory)
	compiled := b.Compile(ContextPolicy{ContextTokenBudget: 10000, MaxPerPhase: 10, TopNFacts: 2})

	joined := ""
	for _, turn := range compiled.Turns {
		joined += turn.Content + "\n"
	}
	assert.Contains(t, joined, "caller is Dana")
	assert.Contains(t, joined, "wants a refund")
	assert.NotContains(t, joined, "maybe has a dog")
}

func TestMaxPerPhaseKeepsMostRecent(t *testing.T) {
	b := NewBuilder("system", nil, nil)
	for _, content := range []string{"first", "second", "third"} {
		b.PhaseTurns = append(b.PhaseTurns, Turn{Role: RoleUser, Content: content})
	}
	compiled := b.Compile(ContextPolicy{ContextTokenBudget: 10000, MaxPerPhase: 2})

	joined := ""
	for _, turn := range compiled.Turns {
		joined += turn.Content + "\n"
	}
	assert.NotContains(t, joined, "first")
	assert.Contains(t, joined, "second")
	assert.Contains(t, joined, "third")
}

func TestDropWeakestFact(t *testing.T) {
	memory := callmemory.New("CA1", 4000)
	memory.AddFact(callmemory.Fact{Key: "a", Text: "strong", Confidence: 0.9})
	memory.AddFact(callmemory.Fact{Key: "b", Text: "weak", Confidence: 0.2})
	memory.DropWeakestFact()
	require.Len(t, memory.Facts, 1)
	assert.Equal(t, "a", memory.Facts[0].Key)
}
