// ABOUTME: Mention detection and cleaning for inbound messages
// ABOUTME: Recognizes Matrix user IDs in body text and derives provisional thread names

package platform

import (
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// mentionPattern matches Matrix user IDs (@localpart:server) preceded by
// whitespace or start of text. The server part must end in an alphanumeric
// so trailing punctuation is not absorbed.
var mentionPattern = regexp.MustCompile(
	`(?:^|\s)(@[a-z0-9._=/-]+:[a-z0-9](?:[a-z0-9.-]*[a-z0-9])?(?::[0-9]+)?)(?:$|[\s,.!?:;)\]])`,
)

// ExtractMentions returns the deduplicated user IDs mentioned in body.
func ExtractMentions(body string) []string {
	var mentions []string
	for _, match := range mentionPattern.FindAllStringSubmatch(body, -1) {
		if !slices.Contains(mentions, match[1]) {
			mentions = append(mentions, match[1])
		}
	}
	return mentions
}

// TextMentionChecker detects mentions by user ID or by display name in the body text.
type TextMentionChecker struct {
	// DisplayName, when set, also counts as a mention (case-insensitive, word-bounded).
	DisplayName string
}

// IsMentioned reports whether text mentions accountID.
func (c TextMentionChecker) IsMentioned(text, accountID string) bool {
	if accountID != "" && slices.Contains(ExtractMentions(text), accountID) {
		return true
	}
	if c.DisplayName == "" {
		return false
	}
	pattern := `(?i)(?:^|\W)@?` + regexp.QuoteMeta(c.DisplayName) + `(?:$|\W)`
	matched, _ := regexp.MatchString(pattern, text)
	return matched
}

// CleanMentions replaces user IDs in text with display names. When displayName
// returns "" the localpart of the ID is used.
func CleanMentions(text string, displayName func(userID string) string) string {
	return mentionPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := mentionPattern.FindStringSubmatch(match)
		userID := sub[1]
		name := ""
		if displayName != nil {
			name = displayName(userID)
		}
		if name == "" {
			name = strings.TrimPrefix(strings.SplitN(userID, ":", 2)[0], "@")
		}
		return strings.Replace(match, userID, name, 1)
	})
}

// ThreadName derives a provisional thread title from the first n runes of the
// cleaned message text. Whitespace is collapsed and an empty result falls back
// to "New conversation".
func ThreadName(text string, n int) string {
	name := strings.Join(strings.Fields(text), " ")
	if n > 0 && utf8.RuneCountInString(name) > n {
		name = strings.TrimSpace(string([]rune(name)[:n]))
	}
	if name == "" {
		return "New conversation"
	}
	return name
}
