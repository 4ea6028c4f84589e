package crypto

import "strings"

// MaskEmail keeps the first rune and the domain so log lines stay
// correlatable without exposing the address.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// MaskName keeps only the first rune of a personal name.
func MaskName(name string) string {
	if len(name) < 2 {
		return "***"
	}
	return name[:1] + "***"
}
