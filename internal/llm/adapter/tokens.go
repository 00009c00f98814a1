package adapter

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// charsPerToken is the fixed estimation ratio for backends that do not
// report authoritative token counts.
const charsPerToken = 4

// tokenEstimator caches per-text estimates so repeated prompts (shared
// system preambles, retried calls) are not re-measured.
type tokenEstimator struct {
	cache *lru.Cache[string, int]
}

func newTokenEstimator(size int) *tokenEstimator {
	cache, _ := lru.New[string, int](size)
	return &tokenEstimator{cache: cache}
}

// Estimate returns the approximate token count for text.
func (e *tokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if n, ok := e.cache.Get(text); ok {
		return n
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	e.cache.Add(text, n)
	return n
}
