package messaging

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// MinPhoneDigits is the shortest digit string accepted as a phone number.
const MinPhoneDigits = 6

var nonDigitRegex = regexp.MustCompile(`\D`)

// NormalizePhone turns a provider address such as "whatsapp:+54 9 11 2233-4455"
// into a bare digit string ("5491122334455"). Every path that looks up or
// creates a debtor goes through it.
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= len("whatsapp:") && strings.EqualFold(s[:len("whatsapp:")], "whatsapp:") {
		s = s[len("whatsapp:"):]
	}
	digits := nonDigitRegex.ReplaceAllString(s, "")
	if digits == "" {
		return "", &models.ValidationError{Field: "phone", Reason: "no digits in " + quote(raw)}
	}
	if len(digits) < MinPhoneDigits {
		return "", &models.ValidationError{Field: "phone", Reason: quote(digits) + " is shorter than 6 digits"}
	}
	return digits, nil
}

func quote(s string) string { return `"` + s + `"` }
