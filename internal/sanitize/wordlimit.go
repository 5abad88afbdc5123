package sanitize

import "strings"

// MaxWordsPerMessage is a default word-count limit for EnforceWordLimit, for
// backends whose output is dense enough that 500 characters still reads as a
// wall of text. Sanitize does not apply a word limit.
const MaxWordsPerMessage = 30

// CountWords splits on whitespace and counts non-empty tokens.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// EnforceWordLimit truncates text to maxWords, preferring a sentence
// boundary near the cutoff, and appends an ellipsis when no such boundary
// exists. It is a no-op when text is already within the limit.
func EnforceWordLimit(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}

	lookback := maxWords - 10
	if lookback < 0 {
		lookback = 0
	}
	for i := maxWords - 1; i >= lookback; i-- {
		last := words[i]
		if last == "" {
			continue
		}
		switch last[len(last)-1] {
		case '.', '!', '?':
			return strings.Join(words[:i+1], " ")
		}
	}

	return strings.Join(words[:maxWords], " ") + "..."
}
