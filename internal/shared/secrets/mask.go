// Package secrets masks credential values before they appear in responses or logs.
package secrets

import "strings"

const visible = 4

// Mask keeps the first and last four characters of s and stars the rest.
// Values too short to keep anything hidden are fully starred; empty stays empty.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	if len(r) <= visible*3 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:visible]) + strings.Repeat("*", len(r)-2*visible) + string(r[len(r)-visible:])
}

// MaskAll masks every value in m. Used to build diagnostic credential listings.
func MaskAll(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Mask(v)
	}
	return out
}
