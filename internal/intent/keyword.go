package intent

import (
	"context"
	"strings"
	"unicode"
)

var (
	generateCues = []string{
		"generate", "create", "draw", "paint", "render", "sketch", "imagine",
		"illustrate", "illustration", "image of", "picture of", "photo of",
		"drawing of", "painting of", "design a", "design an",
	}
	editCues = []string{
		"edit", "change", "modify", "adjust", "brighter", "darker", "lighter",
		"remove", "replace", "crop", "rotate", "recolor", "blur", "sharpen",
		"enhance", "make it", "make this", "make the", "turn it", "turn the",
		"add a", "add some", "more saturated", "less saturated", "background",
	}
)

// KeywordClassifier is a deterministic heuristic used in mock mode and
// whenever no language model is configured.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

func (KeywordClassifier) Classify(_ context.Context, text string) Result {
	norm := normalizeText(text)
	if norm == "" {
		return Result{Label: Unknown, Confidence: 0, Params: map[string]string{ParamText: text}}
	}

	padded := " " + norm + " "
	gen := countCues(padded, generateCues)
	edit := countCues(padded, editCues)

	params := map[string]string{ParamText: text}
	switch {
	case edit > gen:
		params[ParamInstruction] = strings.TrimSpace(text)
		return Result{Label: EditImage, Confidence: cueConfidence(edit - gen), Params: params}
	case gen > 0:
		params[ParamPrompt] = strings.TrimSpace(text)
		return Result{Label: GenerateImage, Confidence: cueConfidence(gen - edit + 1), Params: params}
	default:
		return Result{Label: Chat, Confidence: 0.7, Params: params}
	}
}

func cueConfidence(margin int) float64 {
	c := 0.6 + 0.15*float64(margin)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// normalizeText lowercases and collapses everything but letters and digits
// to single spaces.
func normalizeText(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// countCues counts cue phrases occurring on word boundaries in padded.
func countCues(padded string, cues []string) int {
	n := 0
	for _, cue := range cues {
		if strings.Contains(padded, " "+cue+" ") || strings.Contains(padded, " "+cue+"s ") || strings.Contains(padded, " "+cue+"d ") {
			n++
		}
	}
	return n
}
