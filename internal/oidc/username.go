package oidc

import (
	"strings"
	"unicode"

	"github.com/khanghh/meshauth/params"
)

const maxUsernameLength = 64

func sanitizeUsername(s string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			sb.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == '@':
			if sb.Len() > 0 {
				sb.WriteRune(r)
			}
		}
		if sb.Len() >= maxUsernameLength {
			break
		}
	}
	return sb.String()
}

// deriveUsername picks preferred_username, then the local part of the email,
// then the leading characters of the subject.
func deriveUsername(c *claims) string {
	if name := sanitizeUsername(c.PreferredUsername); name != "" {
		return name
	}
	if at := strings.IndexByte(c.Email, '@'); at > 0 {
		if name := sanitizeUsername(c.Email[:at]); name != "" {
			return name
		}
	}
	sub := sanitizeUsername(c.Subject)
	if len(sub) > params.OIDCUsernameSubjectChars {
		sub = sub[:params.OIDCUsernameSubjectChars]
	}
	if sub == "" {
		sub = "oidc"
	}
	return sub
}

// subjectSuffix returns the trailing characters of the subject used to
// disambiguate a taken username.
func subjectSuffix(subject string, n int) string {
	s := sanitizeUsername(subject)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// withSuffix appends suffix to base, shortening base so the result still
// fits the username column.
func withSuffix(base string, suffix string) string {
	if limit := maxUsernameLength - len(suffix) - 1; len(base) > limit {
		base = base[:limit]
	}
	return base + "_" + suffix
}
