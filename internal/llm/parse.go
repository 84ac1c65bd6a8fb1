package llm

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Pre-compiled patterns. Compiling on every parse is far slower than reusing
// package-level regexes.
var (
	codeFenceRegex     = regexp.MustCompile("(?s)`{3}(?:json|javascript|js)?\\s*\n?([\\s\\S]*?)\n?`{3}")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseResult is the outcome of a resilient JSON parse.
type ParseResult[T any] struct {
	Success  bool
	Data     T
	Error    string
	Repaired bool // true when the payload only parsed after repair
}

// ParseJSON parses model output into T, tolerating the usual LLM formatting
// damage. Strategy order:
//
//  1. Direct parse of the trimmed text.
//  2. Strip markdown code fences and retry.
//  3. Take the balanced-brace substring starting at the first '{' (or '['),
//     appending any missing closers when the payload was truncated, remove
//     trailing commas, and retry.
//
// Callers that need a domain-specific salvage step (like extracting bare
// news-ID arrays) layer it on top of a failed ParseResult.
func ParseJSON[T any](text string) ParseResult[T] {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ParseResult[T]{Error: "empty input"}
	}

	if data, err := tryParse[T](trimmed); err == nil {
		return ParseResult[T]{Success: true, Data: data}
	}

	unfenced := stripCodeFences(trimmed)
	if unfenced != trimmed {
		if data, err := tryParse[T](unfenced); err == nil {
			return ParseResult[T]{Success: true, Data: data, Repaired: true}
		}
	}

	extracted, repaired := ExtractBalanced(unfenced)
	if extracted != "" {
		cleaned := trailingCommaRegex.ReplaceAllString(extracted, "$1")
		if data, err := tryParse[T](cleaned); err == nil {
			return ParseResult[T]{Success: true, Data: data, Repaired: repaired || cleaned != unfenced}
		}
	}

	slog.Debug("all JSON parse strategies failed", "preview", truncate(text, 120))
	return ParseResult[T]{Error: "all JSON parse strategies failed"}
}

func tryParse[T any](text string) (T, error) {
	var out T
	err := json.Unmarshal([]byte(text), &out)
	return out, err
}

// stripCodeFences removes markdown code fences wherever they appear.
func stripCodeFences(text string) string {
	cleaned := codeFenceRegex.ReplaceAllString(text, "$1")
	return strings.TrimSpace(cleaned)
}

// ExtractBalanced scans from the first '{' or '[' and returns the substring
// covering its balanced extent, honoring string literals and escapes. If the
// input ends before the structure closes (a truncated response), the missing
// closers are appended in order, and repaired is true. Returns "" when no
// JSON-like opener exists.
func ExtractBalanced(text string) (extracted string, repaired bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}

	var stack []byte
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				// Mismatched closer: salvage what balanced so far.
				return text[start:i], false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return text[start : i+1], false
			}
		}
	}

	// Ran off the end mid-structure: close an unterminated string literal,
	// then append the missing closers innermost-first.
	var b strings.Builder
	b.WriteString(text[start:])
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String(), true
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
