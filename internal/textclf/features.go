package textclf

import (
	"regexp"
	"strings"
	"unicode"
)

// StructuralNames lists the structural features in vector order
var StructuralNames = []string{
	"text_length",
	"word_count",
	"capital_ratio",
	"exclamation_count",
	"question_count",
	"number_count",
	"currency_mentions",
	"phone_mentions",
	"url_mentions",
	"spam_keywords_count",
	"spam_keywords_ratio",
	"urgency_words",
	"all_caps_words",
}

var (
	numberPattern   = regexp.MustCompile(`\d+`)
	currencyPattern = regexp.MustCompile(`(?i)[£$€¥₹]|\b(pound|dollar|euro|money|cash|price)\b`)
	phonePattern    = regexp.MustCompile(`(?i)\b\d{5,}\b|call\s+\d+|\d{4,}-\d{4,}`)
	urlPattern      = regexp.MustCompile(`(?i)https?://|www\.|\.com|\.net|\.org|click here`)
)

// Lexicon holds the keyword lists structural features count
type Lexicon struct {
	SpamKeywords []string `json:"spam_keywords"`
	UrgencyWords []string `json:"urgency_words"`
}

// Structural computes the hand-engineered features of the raw, uncleaned text
func (l Lexicon) Structural(text string) []float32 {
	lower := strings.ToLower(text)
	words := strings.Fields(text)

	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	capitalRatio := 0.0
	if letters > 0 {
		capitalRatio = float64(upper) / float64(letters)
	}

	spamCount := countAll(lower, l.SpamKeywords)
	wordCount := len(words)
	ratioBase := wordCount
	if ratioBase == 0 {
		ratioBase = 1
	}

	allCaps := 0
	for _, w := range words {
		if isAllCaps(w) {
			allCaps++
		}
	}

	return []float32{
		float32(len([]rune(text))),
		float32(wordCount),
		float32(capitalRatio),
		float32(strings.Count(text, "!")),
		float32(strings.Count(text, "?")),
		float32(len(numberPattern.FindAllString(text, -1))),
		float32(len(currencyPattern.FindAllString(text, -1))),
		float32(len(phonePattern.FindAllString(text, -1))),
		float32(len(urlPattern.FindAllString(text, -1))),
		float32(spamCount),
		float32(float64(spamCount) / float64(ratioBase)),
		float32(countAll(lower, l.UrgencyWords)),
		float32(allCaps),
	}
}

func countAll(lower string, words []string) int {
	n := 0
	for _, w := range words {
		if w == "" {
			continue
		}
		n += strings.Count(lower, strings.ToLower(w))
	}
	return n
}

// isAllCaps matches words of two or more characters with cased letters, all upper case
func isAllCaps(w string) bool {
	if len([]rune(w)) < 2 {
		return false
	}
	cased := false
	for _, r := range w {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}
