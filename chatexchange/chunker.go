package chatexchange

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxMessageLength is the longest message the chat server accepts
// in one post, in characters.
const DefaultMaxMessageLength = 500

// markdownLink matches inline links such as [text](https://host/path).
// A split never falls inside one.
var markdownLink = regexp.MustCompile(`\[(\\]|[^\]])+\]\((https?:)?//(\\\)|\\\(|[^\s)(])+\)`)

type span struct{ start, end int }

// SplitMessage splits message into parts of at most maxLength runes,
// preferring to break on spaces. The space at each break is dropped.
// Messages that fit, or that contain a newline, are returned whole since
// the server renders multi-line messages as a single block.
func SplitMessage(message string, maxLength int) ([]string, error) {
	if maxLength <= 0 {
		return nil, NewError(ErrorInvalidConfig, "max message length must be positive")
	}
	if utf8.RuneCountInString(message) <= maxLength || strings.Contains(message, "\n") {
		return []string{message}, nil
	}

	rest := []rune(message)
	var parts []string
	for len(rest) > maxLength {
		brk := lastSpace(rest, maxLength)
		if brk < 0 {
			brk = maxLength
		}
		spans := linkSpans(rest)
		for i := len(spans) - 1; i >= 0; i-- {
			if s := spans[i]; s.start < brk && brk < s.end {
				brk = s.start - 1
			}
		}
		if brk < 0 {
			return nil, NewError(ErrorUnsplittable,
				fmt.Sprintf("link at start of remaining text exceeds %d characters", maxLength))
		}

		next := brk
		if rest[brk] == ' ' {
			next = brk + 1
		}
		if next == 0 {
			return nil, NewError(ErrorUnsplittable,
				fmt.Sprintf("no break point within %d characters", maxLength))
		}
		if brk > 0 {
			parts = append(parts, string(rest[:brk]))
		}
		rest = rest[next:]
	}
	if len(rest) > 0 {
		parts = append(parts, string(rest))
	}
	return parts, nil
}

// lastSpace returns the index of the last space at or before limit.
func lastSpace(text []rune, limit int) int {
	if limit >= len(text) {
		limit = len(text) - 1
	}
	for i := limit; i >= 0; i-- {
		if text[i] == ' ' {
			return i
		}
	}
	return -1
}

// linkSpans returns markdown link positions in rune offsets, end exclusive.
func linkSpans(text []rune) []span {
	s := string(text)
	matches := markdownLink.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]span, 0, len(matches))
	for _, m := range matches {
		out = append(out, span{
			start: utf8.RuneCountInString(s[:m[0]]),
			end:   utf8.RuneCountInString(s[:m[1]]),
		})
	}
	return out
}
