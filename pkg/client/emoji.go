package client

import "strings"

// emojiMap translates :code: shortcuts into unicode. Substitution is a
// presentation concern: it runs before text enters the send path, and the
// relay passes whatever string it is given through untouched.
var emojiMap = map[string]string{
	// Faces
	":smile:":      "😄",
	":laugh:":      "😂",
	":wink:":       "😉",
	":cry:":        "😢",
	":thinking:":   "🤔",
	":sunglasses:": "😎",
	":party:":      "🥳",

	// Gestures
	":thumbsup:":   "👍",
	":thumbsdown:": "👎",
	":ok_hand:":    "👌",
	":clap:":       "👏",
	":pray:":       "🙏",

	// Hearts
	":heart:":        "❤️",
	":broken_heart:": "💔",
	":blue_heart:":   "💙",

	// Objects & Symbols
	":fire:":   "🔥",
	":rocket:": "🚀",
	":star:":   "⭐",
	":cake:":   "🍰",
	":coffee:": "☕",
}

// ApplyEmoji replaces every known :code: in the text with its emoji.
func ApplyEmoji(text string) string {
	for code, emoji := range emojiMap {
		text = strings.ReplaceAll(text, code, emoji)
	}
	return text
}
