package domain

import (
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// SanitizeEmail lowercases and trims an address and reports whether the
// result passes syntax validation. The empty string is never valid.
func SanitizeEmail(email string) (string, bool) {
	value := strings.ToLower(strings.TrimSpace(email))
	if value == "" || !emailRegex.MatchString(value) {
		return "", false
	}
	return value, true
}
