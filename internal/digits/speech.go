package digits

import (
	"strings"
)

// wordDigits maps spoken digit words to their keypad characters. "oh" is
// accepted as zero because callers routinely say it for phone-shaped
// numbers.
var wordDigits = map[string]rune{
	"zero": '0', "oh": '0',
	"one": '1', "two": '2', "three": '3', "four": '4', "for": '4',
	"five": '5', "six": '6', "seven": '7', "eight": '8', "ate": '8',
	"nine": '9',
	"star": '*', "pound": '#', "hash": '#',
}

// ParseSpokenDigits extracts a digit sequence from an STT final while an
// expectation is in flight: literal digit runs ("123456"), spaced digits
// ("1 2 3 4 5 6") and digit words ("one two three") all resolve to the
// same buffer. Returns "" when the utterance contains no digits at all.
func ParseSpokenDigits(utterance string) string {
	var out strings.Builder
	for _, tok := range strings.Fields(strings.ToLower(utterance)) {
		tok = strings.Trim(tok, ".,!?;:")
		if r, ok := wordDigits[tok]; ok {
			out.WriteRune(r)
			continue
		}
		allDigits := true
		for _, r := range tok {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if allDigits && tok != "" {
			out.WriteString(tok)
		}
	}
	return out.String()
}
