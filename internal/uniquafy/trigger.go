package uniquafy

import "strings"

// Matches reports whether a message should trigger the action: the text must
// contain the phrase (case-insensitive) and the message must be addressed to
// the bot by mention or reply.
func Matches(text string, addressed bool, phrase string) bool {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" || !addressed {
		return false
	}
	return strings.Contains(strings.ToLower(text), phrase)
}
