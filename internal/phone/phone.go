package phone

import (
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

const (
	minDigits = 7
	maxDigits = 15
)

// Normalize turns a raw number (E.164, JID user part or formatted) into the
// bare digit string stored on contacts. ok is false when the result is not a
// plausible international number.
func Normalize(raw string) (digits string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	for _, r := range raw {
		if unicode.IsLetter(r) {
			return "", false
		}
	}

	digits = phonenumbers.NormalizeDigitsOnly(raw)
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", false
	}
	if _, err := phonenumbers.Parse("+"+digits, ""); err != nil {
		return "", false
	}
	return digits, true
}

// Valid reports whether digits is an already-normalized phone number
func Valid(digits string) bool {
	n, ok := Normalize(digits)
	return ok && n == digits
}

// LooksLikePhoneNumber reports whether a display name is just a number,
// e.g. a push name such as "+55 11 91234-5678".
func LooksLikePhoneNumber(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case unicode.IsDigit(r), unicode.IsSpace(r):
		case strings.ContainsRune("+-().", r):
		default:
			return false
		}
	}
	return len(phonenumbers.NormalizeDigitsOnly(name)) >= minDigits
}

// E164 formats normalized digits as +<digits> via libphonenumber
func E164(digits string) string {
	num, err := phonenumbers.Parse("+"+digits, "")
	if err != nil {
		return "+" + digits
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}
