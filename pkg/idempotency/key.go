// Package idempotency produces the key that, together with the source,
// makes lead ingestion replay-safe.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Error carries a stable machine-readable code for the caller to map
// onto an HTTP response.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

var clientKeyRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{16,128}$`)

// Canonicalize validates and trims a client-provided idempotency key.
func Canonicalize(key string) (string, error) {
	k := strings.TrimSpace(key)
	if !clientKeyRe.MatchString(k) {
		return "", &Error{
			Code:    "invalid_idempotency_key_format",
			Message: "idempotency_key must be 16-128 chars of [A-Za-z0-9._:-]",
		}
	}
	return k, nil
}

// DeriveInput holds the lead fields hashed when the client supplies no
// key. Email, phone, and postal code must be non-empty or derivation
// fails: without them the hash would collide across unrelated leads.
type DeriveInput struct {
	SourceID    int64
	Name        string
	Email       string
	Phone       string
	CountryCode string
	PostalCode  string
	Message     string
}

var whitespace = regexp.MustCompile(`\s+`)

// Derive builds a server-side idempotency key: the SHA-256 hex digest
// of the canonicalized fields joined in fixed order. The digest is 64
// hex chars, well inside the 128-char key limit.
func Derive(in DeriveInput) (string, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	phone := whitespace.ReplaceAllString(in.Phone, "")
	postal := strings.ToUpper(strings.TrimSpace(in.PostalCode))

	if email == "" || phone == "" || postal == "" {
		return "", &Error{
			Code:    "idempotency_derivation_failed",
			Message: "email, phone, and postal_code are required to derive an idempotency key",
		}
	}

	parts := []string{
		fmt.Sprintf("%d", in.SourceID),
		strings.TrimSpace(in.Name),
		email,
		phone,
		strings.ToUpper(in.CountryCode),
		postal,
		strings.TrimSpace(in.Message),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}
