// Package resolver decides which image an edit instruction refers to.
package resolver

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/felixgeelhaar/canvas/internal/session"
)

// Strategy names the rule that produced a Resolution.
type Strategy string

const (
	StrategyActive   Strategy = "active"
	StrategyRecency  Strategy = "recency_marker"
	StrategyOrigin   Strategy = "origin_marker"
	StrategyKeyword  Strategy = "keyword"
	StrategyFallback Strategy = "fallback"
)

// Confidence is an informational tag; callers do not branch on it.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

var (
	recencyMarkers = []string{"last", "latest", "recent", "recently"}
	originMarkers  = []string{"first", "original", "oldest"}
)

// minKeywordLen filters out short words ("a", "it", "of") that would match
// nearly every description.
const minKeywordLen = 3

// Resolution is the image an instruction targets and how it was picked.
type Resolution struct {
	Image      session.ImageRecord
	Strategy   Strategy
	Confidence Confidence
	Keyword    string // matched token for StrategyKeyword
}

// Resolve picks the edit target for instruction. The rules are applied in
// a fixed order: active list head, recency marker, origin marker, keyword
// match, newest image. ok is false only when the session has no images.
func Resolve(sess *session.Session, instruction string) (Resolution, bool) {
	for _, id := range sess.ActiveImages {
		if img, found := sess.Image(id); found {
			return Resolution{Image: img, Strategy: StrategyActive, Confidence: High}, true
		}
	}

	images := sess.Images()
	if len(images) == 0 {
		return Resolution{}, false
	}

	tokens := tokenize(instruction)

	if hasAny(tokens, recencyMarkers) {
		return Resolution{Image: images[0], Strategy: StrategyRecency, Confidence: High}, true
	}
	if hasAny(tokens, originMarkers) {
		return Resolution{Image: images[len(images)-1], Strategy: StrategyOrigin, Confidence: High}, true
	}

	for _, img := range images {
		desc := strings.ToLower(img.Description)
		name := strings.ToLower(img.Filename)
		for _, tok := range tokens {
			if utf8.RuneCountInString(tok) < minKeywordLen {
				continue
			}
			if strings.Contains(desc, tok) || strings.Contains(name, tok) {
				return Resolution{Image: img, Strategy: StrategyKeyword, Confidence: Medium, Keyword: tok}, true
			}
		}
	}

	return Resolution{Image: images[0], Strategy: StrategyFallback, Confidence: Low}, true
}

// tokenize lowercases s, splits on whitespace and trims surrounding
// punctuation from each word.
func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func hasAny(tokens, markers []string) bool {
	for _, tok := range tokens {
		for _, m := range markers {
			if tok == m {
				return true
			}
		}
	}
	return false
}
