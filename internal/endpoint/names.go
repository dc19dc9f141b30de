package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultNameTemplate derives the Service name from the session identity.
const DefaultNameTemplate = "jupyter-{username}--{servername}"

// maxNameLength is the DNS label limit (RFC 1123).
const maxNameLength = 63

// escapeDNS replaces every byte outside [a-z0-9] with "-" followed by its two
// hex digits. '-' is the escape character, so it is escaped too.
func escapeDNS(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "-%02x", c)
		}
	}
	return b.String()
}

// Properties are the values a name template can refer to.
type Properties struct {
	Owner  string
	Server string
	// UserID is the hub's numeric user id, 0 when unknown.
	UserID int64
	// Namespace is the namespace the hub runs in. "default" and "" render
	// {hubnamespace} as "user".
	Namespace string
}

// legacyEscape replaces every character outside [a-z0-9] of the lowercased
// input with '-'. Older deployments named their Services this way.
func legacyEscape(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '-'
	}, strings.ToLower(s))
}

// Name renders template for p. Placeholders: {username}, {servername},
// {unescaped_username}, {unescaped_servername}, {legacy_escape_username},
// {userid} and {hubnamespace}. Trailing '-' is stripped so the default server
// (empty name) yields a valid label.
func Name(template string, p Properties) string {
	if template == "" {
		template = DefaultNameTemplate
	}
	hubNamespace := p.Namespace
	if hubNamespace == "" || hubNamespace == "default" {
		hubNamespace = "user"
	}
	rendered := strings.NewReplacer(
		"{username}", escapeDNS(p.Owner),
		"{servername}", escapeDNS(p.Server),
		"{unescaped_username}", p.Owner,
		"{unescaped_servername}", p.Server,
		"{legacy_escape_username}", legacyEscape(p.Owner),
		"{userid}", strconv.FormatInt(p.UserID, 10),
		"{hubnamespace}", hubNamespace,
	).Replace(template)

	rendered = strings.TrimRight(rendered, "-")
	if len(rendered) > maxNameLength {
		rendered = strings.TrimRight(rendered[:maxNameLength], "-")
	}
	return rendered
}
