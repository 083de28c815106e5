// Package contacts turns provider contacts into the canonical shape used for
// patient writes and scores them against existing patients.
package contacts

import (
	"strings"

	"github.com/ekaya-inc/patient-sync/pkg/config"
)

// PhoneNormalizer infers country codes for bare national numbers.
//
// This is a best-effort heuristic, not a numbering-plan parser: a number that
// already carries an international prefix is kept, a bare national number is
// assigned a country code from its leading digit, and anything else is
// reduced to its digits and passed through.
type PhoneNormalizer struct {
	defaultCode    string
	mobileCode     string
	mobileLeading  string
	nationalLength int
}

// NewPhoneNormalizer creates a normalizer from configuration.
func NewPhoneNormalizer(cfg config.PhoneConfig) *PhoneNormalizer {
	n := &PhoneNormalizer{
		defaultCode:    digitsOnly(cfg.DefaultCountryCode),
		mobileCode:     digitsOnly(cfg.MobileCountryCode),
		mobileLeading:  cfg.MobileLeadingDigits,
		nationalLength: cfg.NationalLength,
	}
	if n.nationalLength <= 0 {
		n.nationalLength = 10
	}
	return n
}

// Normalize returns the canonical form of raw: "+<code><number>" when a
// country code is known or inferred, the bare digits otherwise, or "" when
// raw contains no digits.
func (n *PhoneNormalizer) Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	digits := digitsOnly(trimmed)
	if digits == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(trimmed, "+"):
		return "+" + digits
	case strings.HasPrefix(digits, "00") && len(digits) > 2:
		return "+" + digits[2:]
	}

	if len(digits) == n.nationalLength {
		if n.mobileCode != "" && n.mobileLeading != "" && strings.ContainsRune(n.mobileLeading, rune(digits[0])) {
			return "+" + n.mobileCode + digits
		}
		if n.defaultCode != "" {
			return "+" + n.defaultCode + digits
		}
		return digits
	}

	if n.defaultCode != "" && len(digits) == n.nationalLength+len(n.defaultCode) && strings.HasPrefix(digits, n.defaultCode) {
		return "+" + digits
	}

	return digits
}

// LastDigits returns the trailing n digits of phone, or "" if it has fewer.
func LastDigits(phone string, n int) string {
	digits := digitsOnly(phone)
	if len(digits) < n {
		return ""
	}
	return digits[len(digits)-n:]
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
