package adapter

import (
	"strings"

	"github.com/binsight/binsight-ai/internal/models"
)

// domainVocabulary are cues whose presence suggests the model engaged with
// the reverse-engineering task rather than producing filler.
var domainVocabulary = []string{
	"function", "parameter", "return", "pointer", "buffer", "register",
	"syscall", "library", "import", "string", "encrypt", "allocat",
	"loop", "network", "file", "memory",
}

// scoreConfidence computes a heuristic confidence from response length and
// cue presence. Values are clamped to [0.5, 1.0] for non-empty output.
func scoreConfidence(text string, cues []string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	score := 0.5
	if len(text) > 200 {
		score += 0.1
	}
	if len(text) > 600 {
		score += 0.1
	}
	lower := strings.ToLower(text)

	cueHits := 0
	for _, cue := range cues {
		if cue == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(cue)) {
			cueHits++
		}
	}
	if cueHits > 2 {
		cueHits = 2
	}
	score += 0.1 * float64(cueHits)

	vocabHits := 0
	for _, word := range domainVocabulary {
		if strings.Contains(lower, word) {
			vocabHits++
		}
	}
	if vocabHits > 2 {
		vocabHits = 2
	}
	score += 0.05 * float64(vocabHits)

	return models.ClampConfidence(score, true)
}
