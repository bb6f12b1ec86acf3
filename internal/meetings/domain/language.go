package domain

import "strings"

// NormalizeLanguage reduces a locale to its lowercase base language:
// "en-US" and "en_us" both become "en".
func NormalizeLanguage(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, "-_"); i >= 0 {
		locale = locale[:i]
	}
	return strings.ToLower(locale)
}
