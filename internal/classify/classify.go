// Package classify assigns an interaction type to a message and builds the
// note stored with it.
package classify

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/daviddao/mailcrm/internal/types"
)

// DefaultNotesLength bounds BuildNotes when the caller passes no limit.
const DefaultNotesLength = 500

// Rule maps a match over lower-cased subject and body text to a type.
type Rule struct {
	Type  types.InteractionType
	Match func(text string) bool
}

// Classifier evaluates rules in order; the first match wins.
type Classifier struct {
	Rules    []Rule
	Fallback types.InteractionType
}

// Any returns a matcher for text containing any of the keywords.
func Any(keywords ...string) func(string) bool {
	return func(text string) bool {
		for _, k := range keywords {
			if strings.Contains(text, k) {
				return true
			}
		}
		return false
	}
}

// Word returns a matcher for text containing any of the words as a whole
// word, so "meet" does not match "meeting".
func Word(words ...string) func(string) bool {
	return func(text string) bool {
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, f := range fields {
			for _, w := range words {
				if f == w {
					return true
				}
			}
		}
		return false
	}
}

// Either returns a matcher for text accepted by at least one matcher.
func Either(matchers ...func(string) bool) func(string) bool {
	return func(text string) bool {
		for _, m := range matchers {
			if m(text) {
				return true
			}
		}
		return false
	}
}

// All returns a matcher for text accepted by every matcher.
func All(matchers ...func(string) bool) func(string) bool {
	return func(text string) bool {
		for _, m := range matchers {
			if !m(text) {
				return false
			}
		}
		return true
	}
}

// Default returns the keyword classifier: interview, then meetings (video
// when a conferencing tool is named), coffee, events, and plain email.
func Default() *Classifier {
	meeting := Any("meeting")
	return &Classifier{
		Rules: []Rule{
			{Type: types.InteractionInformationalInterview, Match: Any("interview")},
			{Type: types.InteractionVideoMeeting, Match: All(meeting, Either(Any("zoom", "teams", "meet.google"), Word("meet")))},
			{Type: types.InteractionInPersonMeeting, Match: meeting},
			{Type: types.InteractionCoffeeChat, Match: Any("coffee")},
			{Type: types.InteractionEvent, Match: Any("event", "conference")},
		},
		Fallback: types.InteractionEmail,
	}
}

// Classify returns the type of the first matching rule.
func (c *Classifier) Classify(email *types.NormalizedEmail) types.InteractionType {
	text := strings.ToLower(email.Subject + "\n" + email.Body)
	for _, r := range c.Rules {
		if r.Match != nil && r.Match(text) {
			return r.Type
		}
	}
	if c.Fallback != "" {
		return c.Fallback
	}
	return types.InteractionEmail
}

// BuildNotes renders "Subject: <subject>" and the body (or snippet when the
// body is empty), cut to maxLength runes with "..." appended when longer.
func BuildNotes(email *types.NormalizedEmail, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultNotesLength
	}
	content := email.Body
	if strings.TrimSpace(content) == "" {
		content = email.Snippet
	}
	notes := "Subject: " + email.Subject + "\n\n" + content

	if utf8.RuneCountInString(notes) <= maxLength {
		return notes
	}
	runes := []rune(notes)
	return string(runes[:maxLength]) + "..."
}
