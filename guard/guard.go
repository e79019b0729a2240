// Package guard is the response guard of spec.md §4.4: a two-layer
// filter that catches a persona reply leaking its own instructions
// before it reaches the user. Grounded directly on
// original_source/src/utils/response_guard.py, including its exact
// SENSITIVE_PATTERNS list and the two distinct safe-sentence strings.
package guard

import (
	"regexp"
	"strings"
)

// sensitivePatterns matches the Python source's SENSITIVE_PATTERNS list
// verbatim (case-insensitive, Go regexp syntax).
var sensitivePatterns = compilePatterns([]string{
	`psych.?update`,
	`detected.?patterns`,
	`emotional.?state`,
	`confidence.?(?:score|float|0\.\d)`,
	`json.?object.?containing`,
	`output.?format`,
	`system.?(?:prompt|message|instruction)`,
	`persona.?directive`,
	`safety.?protocol`,
	`meta.?instruction`,
})

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// keywordSafeSentence is returned when the keyword layer trips.
const keywordSafeSentence = "Let us turn our attention to what truly matters - your wellbeing. What challenges are you facing?"

// ngramSafeSentence is returned when the n-gram overlap layer trips.
const ngramSafeSentence = "I'd rather focus on what brings you here today. What's weighing on your mind?"

var (
	nonWordRun  = regexp.MustCompile(`[^\w\s]`)
	spaceRun    = regexp.MustCompile(`\s+`)
	sentenceCut = regexp.MustCompile(`[.!?\n]`)
)

// Guard is the n-gram overlap layer, built once per protected system
// prompt so repeated checks don't re-tokenize it.
type Guard struct {
	ngramSize      int
	threshold      float64
	protectedGrams map[string]struct{}
}

// New builds a Guard against protectedText (the persona's system
// prompt), with the n-gram window and overlap threshold from
// config.GuardConfig.
func New(protectedText string, ngramSize int, threshold float64) *Guard {
	return &Guard{
		ngramSize:      ngramSize,
		threshold:      threshold,
		protectedGrams: extractNgrams(protectedText, ngramSize),
	}
}

func normalize(text string) string {
	text = strings.ToLower(text)
	text = nonWordRun.ReplaceAllString(text, " ")
	text = spaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func extractNgrams(text string, n int) map[string]struct{} {
	words := strings.Fields(normalize(text))
	grams := map[string]struct{}{}
	if len(words) < n {
		return grams
	}
	for i := 0; i <= len(words)-n; i++ {
		grams[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return grams
}

func (g *Guard) sentenceOverlap(sentence string) float64 {
	sentenceGrams := extractNgrams(sentence, g.ngramSize)
	if len(sentenceGrams) == 0 || len(g.protectedGrams) == 0 {
		return 0
	}
	overlap := 0
	for gram := range sentenceGrams {
		if _, ok := g.protectedGrams[gram]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(sentenceGrams))
}

// CheckLeakage reports whether any sentence in response overlaps the
// protected prompt's n-grams at or above the threshold, and if so,
// which sentence tripped it.
func (g *Guard) CheckLeakage(response string) (bool, string) {
	for _, sentence := range sentenceCut.Split(response, -1) {
		sentence = strings.TrimSpace(sentence)
		if len(strings.Fields(sentence)) < g.ngramSize {
			continue
		}
		if g.sentenceOverlap(sentence) >= g.threshold {
			return true, sentence
		}
	}
	return false, ""
}

// ContainsSensitiveKeywords is the first, cheaper layer: a direct regex
// scan for meta-instruction vocabulary, independent of any protected
// text.
func ContainsSensitiveKeywords(response string) bool {
	lower := strings.ToLower(response)
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(lower) {
			return true
		}
	}
	return false
}

// Check runs both layers in order and returns the response unchanged
// (blocked=false) or a safe sentence in its place (blocked=true). The
// two layers return distinct safe sentences so callers and logs can
// tell which one tripped.
func (g *Guard) Check(response string) (safe string, blocked bool) {
	if ContainsSensitiveKeywords(response) {
		return keywordSafeSentence, true
	}
	if leaked, _ := g.CheckLeakage(response); leaked {
		return ngramSafeSentence, true
	}
	return response, false
}
