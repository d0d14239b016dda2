package scheduler

import (
	"regexp"
	"strings"

	"github.com/beakon/outreach/internal/dao"
)

// Personalization tokens come in from template authors in several spellings,
// eg {{first_name}}, {firstName} and {{ first name }}. Each spelling is
// normalized to one canonical key before substitution.
var tokenPattern = regexp.MustCompile(`\{\{?\s*([A-Za-z][A-Za-z0-9 _-]*?)\s*\}?\}`)

var camelPattern = regexp.MustCompile(`([a-z0-9])([A-Z])`)

func canonicalToken(raw string) string {
	key := camelPattern.ReplaceAllString(strings.TrimSpace(raw), "${1}_${2}")
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	return key
}

// render substitutes every recognized token with its value and leaves
// unknown tokens untouched, so a typo in a template is visible rather than
// silently blanked.
func render(text string, values map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := tokenPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		v, ok := values[canonicalToken(sub[1])]
		if !ok {
			return match
		}
		return v
	})
}

// RenderFor renders a template text for one recipient.
func RenderFor(text string, r dao.Recipient) string {
	return render(text, tokenValues(r.DerivedFirstName(), r.Email))
}

// HasToken reports whether the text still carries an unsubstituted
// personalization token.
func HasToken(text string) bool {
	return tokenPattern.MatchString(text)
}

func tokenValues(firstName, email string) map[string]string {
	return map[string]string{
		"first_name": firstName,
		"name":       firstName,
		"email":      email,
	}
}
