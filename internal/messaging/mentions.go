package messaging

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// Mentions returns the distinct handles mentioned in text, lowercased, in
// order of first appearance.
func Mentions(text string) []string {
	if !strings.Contains(text, "@") {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		handle := strings.ToLower(m[1])
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		out = append(out, handle)
	}
	return out
}
