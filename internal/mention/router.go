// Package mention parses @handle references out of buyer output and maps
// them to seller IDs, then resolves the final routing targets for a turn.
package mention

import (
	"regexp"
	"strings"

	"github.com/student/negotiatord/internal/negotiation"
)

var (
	handleRe        = regexp.MustCompile(`@([A-Za-z0-9_]+)`)
	nonHandleCharRe = regexp.MustCompile(`[^a-z0-9_]`)
	underscoreRunRe = regexp.MustCompile(`_+`)
)

// Normalize converts a display name or handle to its matching form:
// lowercase, whitespace dropped, punctuation other than underscore dropped,
// underscore runs collapsed, and leading/trailing underscores trimmed.
func Normalize(name string) string {
	n := strings.ToLower(name)
	n = strings.ReplaceAll(n, " ", "")
	n = nonHandleCharRe.ReplaceAllString(n, "")
	n = underscoreRunRe.ReplaceAllString(n, "_")
	n = strings.Trim(n, "_")
	return n
}

// ParseMentions extracts @handles from text and resolves them against the
// given sellers' normalized display names (falling back to normalized
// seller IDs), returning seller IDs in first-mention order with no
// duplicates. Unknown handles are silently ignored.
func ParseMentions(text string, sellers []negotiation.SellerProfile) []string {
	if text == "" || len(sellers) == 0 {
		return nil
	}

	nameMap := make(map[string]string, len(sellers)*2)
	for _, s := range sellers {
		nameMap[Normalize(s.DisplayName)] = s.SellerID
		idKey := Normalize(s.SellerID)
		if _, exists := nameMap[idKey]; !exists {
			nameMap[idKey] = s.SellerID
		}
	}

	var out []string
	seen := make(map[string]bool)
	for _, m := range handleRe.FindAllStringSubmatch(text, -1) {
		handle := Normalize(m[1])
		sellerID, ok := nameMap[handle]
		if !ok || seen[sellerID] {
			continue
		}
		out = append(out, sellerID)
		seen[sellerID] = true
	}
	return out
}

// SelectTargets intersects mentions with active sellers; if the result is
// empty and fallback is true, it returns all active sellers.
func SelectTargets(mentions []string, active []string, fallback bool) []string {
	activeSet := make(map[string]bool, len(active))
	for _, a := range active {
		activeSet[a] = true
	}

	var targets []string
	for _, m := range mentions {
		if activeSet[m] {
			targets = append(targets, m)
		}
	}
	if len(targets) > 0 {
		return targets
	}
	if fallback {
		out := make([]string, len(active))
		copy(out, active)
		return out
	}
	return nil
}
