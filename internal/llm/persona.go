package llm

import (
	"strings"
)

// Persona composes the layered system prompt: base persona, profile
// overlay, the domain/channel/urgency context line, tone directive and
// brevity hint.
type Persona struct {
	BasePersona    string
	ProfileOverlay string
	Domain         string
	Channel        string
	Urgency        string
	ToneDirective  string
	BrevityHint    string
}

// Compose renders the layered system prompt. Layers are joined with
// blank lines so each remains independently editable/testable.
func (p Persona) Compose() string {
	var b strings.Builder
	parts := []string{p.BasePersona, p.ProfileOverlay, p.personaDSL(), p.ToneDirective, p.BrevityHint}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(part)
	}
	return b.String()
}

func (p Persona) personaDSL() string {
	if p.Domain == "" && p.Channel == "" && p.Urgency == "" {
		return ""
	}
	return "Context: domain=" + p.Domain + " channel=" + p.Channel + " urgency=" + p.Urgency + "."
}

// Archetype identifies a consistency-scoring heuristic profile.
type Archetype string

const (
	ArchetypeCrisisManager  Archetype = "crisis_manager"
	ArchetypePatientTeacher Archetype = "patient_teacher"
	ArchetypeNeutral        Archetype = "neutral"
)

// ConsistencyScore scores text in [0,1] against archetype's heuristics:
// length vs urgency, exclamation count for the crisis manager, sentence
// count for the patient teacher.
func ConsistencyScore(text string, archetype Archetype, urgency string) float64 {
	score := 1.0
	exclaims := strings.Count(text, "!")
	sentences := countSentences(text)
	words := len(strings.Fields(text))

	switch archetype {
	case ArchetypeCrisisManager:
		if exclaims == 0 {
			score -= 0.3
		}
		if words > 60 {
			score -= 0.2
		}
	case ArchetypePatientTeacher:
		if sentences < 2 && words > 20 {
			score -= 0.3
		}
		if exclaims > 1 {
			score -= 0.2
		}
	}

	if urgency == "high" && words > 80 {
		score -= 0.3
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func countSentences(text string) int {
	n := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	if n == 0 && strings.TrimSpace(text) != "" {
		n = 1
	}
	return n
}

// Rewrite applies the corrective heuristics (truncate-with-ellipsis,
// leading acknowledgement for crisis tone, exclamation collapse) when
// ConsistencyScore falls below threshold.
func Rewrite(text string, archetype Archetype) string {
	switch archetype {
	case ArchetypeCrisisManager:
		if !strings.Contains(text, "!") {
			text = "I hear you. " + text
		}
		if words := strings.Fields(text); len(words) > 60 {
			text = strings.Join(words[:60], " ") + "..."
		}
	case ArchetypePatientTeacher:
		text = collapseExclaims(text)
	default:
		if words := strings.Fields(text); len(words) > 80 {
			text = strings.Join(words[:80], " ") + "..."
		}
	}
	return text
}

func collapseExclaims(text string) string {
	for strings.Contains(text, "!!") {
		text = strings.Replace(text, "!!", "!", 1)
	}
	return text
}

// EnsureConsistent runs ConsistencyScore/Rewrite in a single bounded
// pass: one corrective rewrite, then a final re-score.
func EnsureConsistent(text string, archetype Archetype, urgency string, threshold float64) (string, float64) {
	score := ConsistencyScore(text, archetype, urgency)
	if score >= threshold {
		return text, score
	}
	rewritten := Rewrite(text, archetype)
	return rewritten, ConsistencyScore(rewritten, archetype, urgency)
}
