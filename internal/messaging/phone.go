package messaging

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used for numbers entered without an international prefix.
const DefaultRegion = "US"

// PhoneCanonicalizer turns the phone number spellings seen across providers
// and clinician input into E.164.
type PhoneCanonicalizer struct {
	region string
}

// NewPhoneCanonicalizer creates a canonicalizer for the given default region.
func NewPhoneCanonicalizer(defaultRegion string) *PhoneCanonicalizer {
	if defaultRegion == "" {
		defaultRegion = DefaultRegion
	}
	return &PhoneCanonicalizer{region: strings.ToUpper(defaultRegion)}
}

// Canonicalize parses a clinician-entered number ("+44 7911 123456",
// "(415) 555-2671", "whatsapp:+14155552671") and returns it in E.164.
func (c *PhoneCanonicalizer) Canonicalize(raw string) (string, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:"))
	if s == "" {
		return "", fmt.Errorf("phone number cannot be empty")
	}
	num, err := phonenumbers.Parse(s, c.region)
	if err != nil {
		return "", fmt.Errorf("invalid phone number %q: %w", raw, err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("invalid phone number %q: not a possible number", raw)
	}
	canonical := phonenumbers.Format(num, phonenumbers.E164)
	if canonical != s {
		slog.Debug("PhoneCanonicalizer canonicalized number", "original", raw, "canonical", canonical)
	}
	return canonical, nil
}

// CanonicalizeWhatsAppID converts a WhatsApp id (international digits without
// a plus sign, as delivered by webhooks) to E.164.
func (c *PhoneCanonicalizer) CanonicalizeWhatsAppID(waID string) (string, error) {
	s := strings.TrimSpace(strings.TrimPrefix(waID, "whatsapp:"))
	if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	return c.Canonicalize(s)
}

// WhatsAppID strips the leading plus from an E.164 number.
func WhatsAppID(e164 string) string {
	return strings.TrimPrefix(e164, "+")
}
