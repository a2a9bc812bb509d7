package daraja

import "strings"

const countryPrefix = "254"

// NormalizePhone converts a subscriber number to the international format
// the gateway expects (254XXXXXXXXX). The operation is idempotent.
func NormalizePhone(number string) string {
	number = strings.TrimSpace(number)
	number = strings.TrimPrefix(number, "+")

	switch {
	case strings.HasPrefix(number, "0"):
		return countryPrefix + number[1:]
	case strings.HasPrefix(number, countryPrefix):
		return number
	default:
		return countryPrefix + number
	}
}
