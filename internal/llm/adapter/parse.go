package adapter

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Response parsing is best-effort: prompts request JSON, but models drift.
// The ladder is JSON block → section-header regex → raw text.

var codeFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON finds the first plausible JSON object or array in text and
// unmarshals it into dst. Fenced blocks are tried before bare braces.
func extractJSON(text string, dst any) bool {
	candidates := []string{}
	for _, m := range codeFencePattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	if start := strings.IndexAny(text, "{["); start >= 0 {
		candidates = append(candidates, text[start:])
	}
	for _, cand := range candidates {
		cand = strings.TrimSpace(cand)
		if cand == "" {
			continue
		}
		if end := balancedEnd(cand); end > 0 {
			if json.Unmarshal([]byte(cand[:end]), dst) == nil {
				return true
			}
		}
	}
	return false
}

// balancedEnd returns the index one past the end of the first balanced
// bracket run in s, 0 if none closes.
func balancedEnd(s string) int {
	if s == "" {
		return 0
	}
	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return 0
	}
	depth := 0
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return 0
}

// parseSections splits free-form text into labeled sections. A section
// starts at a line like "Description:", "**Description**:", or
// "## Description". Matching is case-insensitive; headers that never appear
// are simply absent from the result.
func parseSections(text string, headers []string) map[string]string {
	result := make(map[string]string)
	if len(headers) == 0 {
		return result
	}

	alternation := make([]string, len(headers))
	for i, h := range headers {
		alternation[i] = regexp.QuoteMeta(h)
	}
	pattern := regexp.MustCompile(`(?im)^\s*(?:#+\s*|\*\*)?(` + strings.Join(alternation, "|") + `)(?:\*\*)?\s*:?\s*$|^\s*(?:#+\s*|\*\*)?(` + strings.Join(alternation, "|") + `)(?:\*\*)?\s*:\s*`)

	locs := pattern.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		var name string
		if loc[2] >= 0 {
			name = text[loc[2]:loc[3]]
		} else {
			name = text[loc[4]:loc[5]]
		}
		start := loc[1]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(text[start:end])
		key := strings.ToLower(name)
		if _, seen := result[key]; !seen && body != "" {
			result[key] = body
		}
	}
	return result
}

// sectionOr returns the section named key, or fallback when absent.
func sectionOr(sections map[string]string, key, fallback string) string {
	if v, ok := sections[strings.ToLower(key)]; ok {
		return v
	}
	return fallback
}
