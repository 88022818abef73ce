// Package normalize canonicalizes contact fields. The same functions
// feed ingestion hashing and duplicate detection, so their output must
// never depend on call site.
package normalize

import (
	"regexp"
	"strings"
)

var (
	// Minimal syntactic shape: local@domain.tld without whitespace.
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	// E.164: + followed by 8-16 digits, no leading zero.
	e164Re   = regexp.MustCompile(`^\+[1-9]\d{7,15}$`)
	nonDigit = regexp.MustCompile(`\D+`)
)

// Email trims and lowercases. Returns "" when the value is empty or
// fails the minimal syntactic check.
func Email(email string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" || !emailRe.MatchString(e) {
		return ""
	}
	return e
}

// Phone keeps E.164 values verbatim; anything else is reduced to its
// digits. Fewer than 7 digits yields "".
func Phone(phone string) string {
	p := strings.TrimSpace(phone)
	if p == "" {
		return ""
	}
	if e164Re.MatchString(p) {
		return p
	}
	digits := nonDigit.ReplaceAllString(p, "")
	if len(digits) < 7 {
		return ""
	}
	return digits
}

// Postal trims and uppercases.
func Postal(postal string) string {
	return strings.ToUpper(strings.TrimSpace(postal))
}
