package analysiscache

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// FallbackTitle labels entries whose payload has no usable summary.
const FallbackTitle = "Untitled Analysis"

const titleLength = 60

// summaryOf returns the payload's top-level "summary" string and whether it exists.
func summaryOf(payload json.RawMessage) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	res := gjson.GetBytes(payload, "summary")
	if !res.Exists() || res.Type == gjson.Null {
		return "", false
	}
	return res.String(), true
}

// DeriveTitle builds a display title from the payload summary.
//
// The first sentence is used when the summary has a terminator (., ! or ?),
// with the terminator dropped and the first letter capitalized. Otherwise the
// summary itself is used. Either way the result is cut to 60 characters with
// a trailing ellipsis.
func DeriveTitle(payload json.RawMessage) string {
	summary, ok := summaryOf(payload)
	if !ok {
		return FallbackTitle
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return FallbackTitle
	}

	if i := strings.IndexAny(summary, ".!?"); i >= 0 {
		sentence := strings.TrimSpace(summary[:i])
		if sentence == "" {
			return FallbackTitle
		}
		return truncate(capitalize(sentence), titleLength)
	}
	return truncate(summary, titleLength)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// cleanTitle trims a caller-supplied title. An empty result is reported as nil.
func cleanTitle(title *string) (*string, error) {
	if title == nil {
		return nil, nil
	}
	t := strings.TrimSpace(*title)
	if t == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(t) > MaxTitleLength {
		return nil, invalid("title exceeds %d characters", MaxTitleLength)
	}
	return &t, nil
}

// cleanTags trims tags, drops empties and case-insensitive duplicates, keeping
// first occurrences in order.
func cleanTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > MaxTagLength {
			return nil, invalid("tag %q exceeds %d characters", tag, MaxTagLength)
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	if len(out) > MaxTags {
		return nil, invalid("at most %d tags are allowed", MaxTags)
	}
	return out, nil
}
