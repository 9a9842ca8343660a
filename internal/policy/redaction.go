package policy

import (
	"net/url"
	"regexp"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]{20,}\.[A-Za-z0-9_\-]{4,}\.[A-Za-z0-9_\-]{20,}`)

// RedactSecrets masks bot tokens and URL passwords so settings and
// errors can be logged.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	if u, err := url.Parse(out); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
			out = u.String()
		}
	}

	out = tokenPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")

	return out, out != input
}
