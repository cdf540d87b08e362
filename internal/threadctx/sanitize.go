package threadctx

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Markers substituted for neutralized content.
const (
	FilteredMarker   = "[content filtered]"
	CodeBlockMarker  = "[code block removed]"
	InlineCodeMarker = "[inline code removed]"
	GroupMention     = "[group mention]"
	TruncatedMarker  = "... [truncated for safety]"
)

// DefaultMaxMessageLength caps a single message, in characters.
const DefaultMaxMessageLength = 10000

// maxPasses bounds the fixpoint loop in Sanitize.
const maxPasses = 8

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	whitespace   = regexp.MustCompile(`\s+`)

	userMention    = regexp.MustCompile(`<@([^>|]+)(?:\|([^>]*))?>`)
	channelMention = regexp.MustCompile(`<#[^>|]+\|([^>]+)>`)
	bareChannel    = regexp.MustCompile(`<#([^>|]+)>`)
	labelledLink   = regexp.MustCompile(`<((?:https?|mailto):[^>|]+)\|([^>]+)>`)
	bareLink       = regexp.MustCompile(`<((?:https?|mailto):[^>|]+)>`)
	groupMention   = regexp.MustCompile(`<!(?:here|channel|everyone)(?:\|[^>]*)?>`)

	fencedCode = regexp.MustCompile("```[^`]*```")
	inlineCode = regexp.MustCompile("`[^`]+`")

	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bignore\s+(?:previous|all|above)\s+(?:instructions?|prompts?)\b`),
		regexp.MustCompile(`(?i)\bpretend\s+(?:to\s+be|you\s+are)\b`),
		regexp.MustCompile(`(?i)\bact\s+as\s+(?:if|though)\b`),
		regexp.MustCompile(`(?i)\bforget\s+(?:everything|all|what)\b`),
		regexp.MustCompile(`(?i)\brole\s*:\s*(?:system|admin|developer)\b`),
		regexp.MustCompile(`(?i)\boverride\s+(?:safety|security|guidelines?)\b`),
	}
)

// Sanitizer neutralizes message text before it reaches a prompt.
//
// Sanitize is idempotent: Sanitize(Sanitize(s)) == Sanitize(s).
type Sanitizer struct {
	maxLength int
}

// NewSanitizer returns a sanitizer capping messages at maxLength
// characters. Zero or less uses DefaultMaxMessageLength.
func NewSanitizer(maxLength int) *Sanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &Sanitizer{maxLength: maxLength}
}

// Stats reports what a Sanitize call changed.
type Stats struct {
	Injections int
	Truncated  bool
}

// Sanitize cleans text and returns the result.
func (s *Sanitizer) Sanitize(text string) string {
	out, _ := s.SanitizeWithStats(text)
	return out
}

// SanitizeWithStats is Sanitize that also reports what was neutralized.
func (s *Sanitizer) SanitizeWithStats(text string) (string, Stats) {
	var stats Stats
	current := text
	for i := 0; i < maxPasses; i++ {
		next, injections, truncated := s.pass(current)
		stats.Injections += injections
		stats.Truncated = stats.Truncated || truncated
		if next == current {
			break
		}
		current = next
	}
	return current, stats
}

// pass applies every cleaning step once, truncating last.
func (s *Sanitizer) pass(text string) (string, int, bool) {
	if text == "" {
		return "", 0, false
	}
	text = norm.NFKC.String(text)
	text = controlChars.ReplaceAllString(text, "")
	text = cleanSlackMarkup(text)
	text = fencedCode.ReplaceAllString(text, CodeBlockMarker)
	text = inlineCode.ReplaceAllString(text, InlineCodeMarker)

	injections := 0
	for _, pattern := range injectionPatterns {
		if matches := pattern.FindAllStringIndex(text, -1); len(matches) > 0 {
			injections += len(matches)
			text = pattern.ReplaceAllString(text, FilteredMarker)
		}
	}

	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))

	if utf8.RuneCountInString(text) <= s.maxLength {
		return text, injections, false
	}
	runes := []rune(text)
	return string(runes[:s.maxLength]) + TruncatedMarker, injections, true
}

// cleanSlackMarkup rewrites Slack's angle-bracket markup as plain text.
func cleanSlackMarkup(text string) string {
	if !strings.Contains(text, "<") {
		return text
	}
	text = userMention.ReplaceAllStringFunc(text, func(m string) string {
		sub := userMention.FindStringSubmatch(m)
		if sub[2] != "" {
			return "@" + sub[2]
		}
		return "@user"
	})
	text = channelMention.ReplaceAllString(text, "#$1")
	text = bareChannel.ReplaceAllString(text, "#channel")
	text = labelledLink.ReplaceAllString(text, "$2")
	text = bareLink.ReplaceAllString(text, "$1")
	text = groupMention.ReplaceAllString(text, GroupMention)
	return text
}
