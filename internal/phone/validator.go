package phone

import (
	"regexp"
	"strings"
	"unicode"
)

var kenyanPhone = regexp.MustCompile(`^(07|01)\d{8}$|^\+?(2547|2541)\d{8}$`)

// Valid reports whether raw is a Safaricom-style local mobile number:
// 07XXXXXXXX, 01XXXXXXXX, or the same number behind a 254 country code,
// optionally prefixed with '+'.
func Valid(raw string) bool {
	return kenyanPhone.MatchString(clean(raw))
}

// Normalize converts a number to the 2547XXXXXXXX form the gateway expects.
// It does not validate; call Valid first.
func Normalize(raw string) string {
	p := strings.TrimPrefix(clean(raw), "+")
	switch {
	case strings.HasPrefix(p, "0"):
		return "254" + p[1:]
	case strings.HasPrefix(p, "254"):
		return p
	default:
		return "254" + p
	}
}

// Display renders a stored number as 0712 345 678 for operator prompts.
func Display(p string) string {
	if p == "" {
		return "N/A"
	}
	if strings.HasPrefix(p, "254") {
		p = "0" + p[3:]
	}
	if len(p) == 10 {
		return p[:4] + " " + p[4:7] + " " + p[7:]
	}
	return p
}

func clean(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '(' || r == ')' || r == '-' {
			return -1
		}
		return r
	}, raw)
}
