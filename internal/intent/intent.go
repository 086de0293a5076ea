// Package intent decides whether a chat message asks for an image or for text.
package intent

import (
	"regexp"
	"strings"
)

type Intent int

const (
	TextGeneration Intent = iota
	ImageGeneration
)

func (i Intent) String() string {
	switch i {
	case ImageGeneration:
		return "image_generation"
	default:
		return "text_generation"
	}
}

// TriggerPhrases mark a message as an image request. Longer phrases come
// before their shorter variants so stripping removes the whole phrase.
var TriggerPhrases = []string{
	"create an image",
	"generate a picture",
	"draw",
	"paint",
	"sketch",
	"make an image",
	"make a picture",
	"produce an image",
	"illustrate",
	"design a picture",
	"render an image",
	"create image",
	"generate image",
	"create picture",
	"generate picture",
}

var triggerPatterns = compile(TriggerPhrases)

func compile(phrases []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		patterns = append(patterns, regexp.MustCompile("(?i)"+regexp.QuoteMeta(p)))
	}
	return patterns
}

// Classify returns ImageGeneration when text contains any trigger phrase.
func Classify(text string) Intent {
	lower := strings.ToLower(text)
	for _, phrase := range TriggerPhrases {
		if strings.Contains(lower, phrase) {
			return ImageGeneration
		}
	}
	return TextGeneration
}

// StripTriggers removes the first occurrence of each trigger phrase and trims
// the result, which may be empty. Only the spaces around a removed phrase are
// collapsed; other whitespace, newlines included, is kept.
func StripTriggers(text string) string {
	for _, re := range triggerPatterns {
		if loc := re.FindStringIndex(text); loc != nil {
			text = joinAround(text[:loc[0]], text[loc[1]:])
		}
	}
	return strings.TrimSpace(text)
}

func joinAround(left, right string) string {
	left = strings.TrimRight(left, " \t")
	right = strings.TrimLeft(right, " \t")
	if left == "" || right == "" || strings.HasSuffix(left, "\n") || strings.HasPrefix(right, "\n") {
		return left + right
	}
	return left + " " + right
}
