// Package sanitize implements the single pure text-cleaning pass applied to
// every agent output before it enters a run's conversation history. Agents
// never roll their own regex cleanup; they all funnel through Sanitize.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/student/negotiatord/internal/providers"
)

// Role selects which character ceiling and meta-narration set applies.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

const (
	BuyerMax  = 500
	SellerMax = 400
)

var continuationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\.\.\.+\s*`),
	regexp.MustCompile(`(?i)^,\s+`),
	regexp.MustCompile(`(?i)^and\s+`),
	regexp.MustCompile(`(?i)^but\s+`),
	regexp.MustCompile(`(?i)^or\s+`),
	regexp.MustCompile(`(?i)^so\s+`),
}

// metaNarrationPatterns is the canonical, build-time-fixed set of
// self-referential openings stripped from agent output. Shared across
// buyer and seller; neither role should ever narrate its reasoning.
var metaNarrationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^okay,?\s*let'?s?\s*see\.?\s*`),
	regexp.MustCompile(`(?i)^let'?s?\s*see\.?\s*`),
	regexp.MustCompile(`(?i)^the user wants?\s+.*?\.\s*`),
	regexp.MustCompile(`(?i)^the user(?:'s|s)?\s+.*?\.\s*`),
	regexp.MustCompile(`(?i)^i need to\s+.*?\.\s*`),
	regexp.MustCompile(`(?i)^first,?\s*i need to\s+.*?\.\s*`),
	regexp.MustCompile(`(?i)^now,?\s*i(?:'ll| will)\s+.*?\.\s*`),
	regexp.MustCompile(`(?i)^wait,?\s*the\s+.*?\.\s*`),
	regexp.MustCompile(`(?i)^so\s+i\s+should\s+.*?\.\s*`),
	regexp.MustCompile(`(?i)^they(?:'ve| have)\s+already\s+.*?\.\s*`),
	regexp.MustCompile(`(?i)^since\s+there\s+are\s+no\s+offers.*?\.\s*`),
}

var (
	fencedCodeBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n?(.*?)```")
	bareFenceRe       = regexp.MustCompile("```")
	inlineOfferJSONRe = regexp.MustCompile(`(?is)\{[^{}]*"offer"[^{}]*(?:\{[^{}]*\}[^{}]*)?\}`)
	whitespaceRunRe   = regexp.MustCompile(`\s+`)
)

func maxFor(role Role) int {
	if role == RoleSeller {
		return SellerMax
	}
	return BuyerMax
}

// Sanitize is pure and idempotent: Sanitize(Sanitize(x), role) == Sanitize(x, role).
func Sanitize(raw string, role Role) string {
	text := raw

	// 1. strip reasoning blocks
	text = providers.StripReasoning(text)

	// 2. strip leading continuation markers
	for _, re := range continuationPatterns {
		text = re.ReplaceAllString(text, "")
	}

	// 3. strip meta-narration prefixes (repeat until no further prefix matches,
	// since stripping one can unmask another stacked ahead of it)
	for {
		stripped := text
		for _, re := range metaNarrationPatterns {
			stripped = re.ReplaceAllString(stripped, "")
		}
		if stripped == text {
			break
		}
		text = stripped
	}

	// 4. strip fenced code blocks, including language tags
	text = fencedCodeBlockRe.ReplaceAllString(text, "")
	text = bareFenceRe.ReplaceAllString(text, "")

	// 5. remove inline offer JSON (offers travel via OfferCodec, not prose)
	text = inlineOfferJSONRe.ReplaceAllString(text, "")

	// 6. collapse whitespace and trim
	text = whitespaceRunRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	// Stripping can expose a marker an earlier step already passed (e.g. a
	// continuation word behind meta-narration), so repeat until stable.
	if text != raw {
		return Sanitize(text, role)
	}

	// 7. enforce character ceiling
	max := maxFor(role)
	if len(text) > max {
		if max > 3 {
			text = strings.TrimSpace(text[:max-3]) + "..."
		} else {
			text = text[:max]
		}
	}

	return text
}
