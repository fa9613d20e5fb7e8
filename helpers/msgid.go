package helpers

import (
	"regexp"
	"strings"
)

var msgIDRe = regexp.MustCompile(`<([^>]+)>`)

// CleanMessageID strips angle brackets and surrounding whitespace from a
// Message-ID header value. An empty or whitespace-only value yields "".
func CleanMessageID(messageID string) string {
	messageID = strings.TrimSpace(messageID)
	messageID = strings.TrimPrefix(messageID, "<")
	messageID = strings.TrimSuffix(messageID, ">")
	return strings.TrimSpace(messageID)
}

// ParseReferences splits a References header into individual Message-IDs,
// oldest first. IDs outside angle brackets are ignored; real-world headers
// are too inconsistent for anything more permissive.
func ParseReferences(references string) []string {
	matches := msgIDRe.FindAllStringSubmatch(references, -1)

	var result []string
	for _, match := range matches {
		if len(match) > 1 && match[1] != "" {
			result = append(result, match[1])
		}
	}
	return result
}

// LastReference returns the immediate parent candidate from a References
// header: the final (most recent) entry of the chain.
func LastReference(references string) string {
	refs := ParseReferences(references)
	if len(refs) == 0 {
		return ""
	}
	return refs[len(refs)-1]
}
