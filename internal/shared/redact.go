package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// redactRule replaces the secret part of each match. keep is the submatch
// (1-based) preserved in front of the placeholder, 0 for none.
type redactRule struct {
	re   *regexp.Regexp
	keep int
}

// Secrets reach log lines mostly through agent stderr and channel API errors.
var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|admin[_-]?token)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{16,}"?`), 1},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), 1},
	// Telegram bot tokens, bare or inside api.telegram.org/bot<token>/ URLs.
	{regexp.MustCompile(`(bot)?\d{6,12}:[A-Za-z0-9_\-]{30,}`), 1},
}

// Redact masks credentials in s.
func Redact(s string) string {
	for _, r := range redactRules {
		if !r.re.MatchString(s) {
			continue
		}
		s = r.re.ReplaceAllStringFunc(s, func(m string) string {
			if r.keep == 0 {
				return redactedPlaceholder
			}
			return r.re.FindStringSubmatch(m)[r.keep] + redactedPlaceholder
		})
	}
	return s
}
