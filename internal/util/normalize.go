package util

import (
	"net/mail"
	"strings"
)

// NormalizeSender returns the lowercased address of a From header with any
// +tag removed from the local part, or "" when no address parses. For a
// list, the first parsable entry wins. Dots are kept.
func NormalizeSender(from string) string {
	addr := firstAddress(from)
	if addr == "" {
		return ""
	}
	addr = strings.ToLower(addr)
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" {
		return addr
	}
	local, _, _ = strings.Cut(local, "+")
	return local + "@" + domain
}

func firstAddress(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.TrimSpace(a.Address)
	}
	for _, part := range strings.Split(from, ",") {
		if a, err := mail.ParseAddress(strings.TrimSpace(part)); err == nil {
			return strings.TrimSpace(a.Address)
		}
	}
	return ""
}
