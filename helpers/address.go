package helpers

import (
	"net/mail"
	"regexp"
	"strings"
)

var angleAddrRe = regexp.MustCompile(`<([^>]+)>`)

// CanonicalAddress reduces a display string like "Name <User@Example.COM>"
// to a lowercased addr-spec. Returns "" when nothing address-like is found.
func CanonicalAddress(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	if addr, err := mail.ParseAddress(input); err == nil {
		return strings.ToLower(addr.Address)
	}

	if matches := angleAddrRe.FindStringSubmatch(input); len(matches) > 1 {
		return strings.ToLower(strings.TrimSpace(matches[1]))
	}

	if strings.Contains(input, "@") {
		return strings.ToLower(input)
	}

	return ""
}
