// Package segment cuts long text into bounded pieces suitable for one synthesis call each.
//
// Split degrades through four tiers: sentences, clauses, words and finally fixed
// runs of characters. Every tier keeps its separators attached to the preceding
// piece, so concatenating the result always reproduces the input exactly.
package segment

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidMaxLength is returned when the requested bound is below one character.
var ErrInvalidMaxLength = errors.New("segment: max length must be >= 1")

// Split returns the ordered segments of text, each at most maxLength runes long.
func Split(text string, maxLength int) ([]string, error) {
	if maxLength < 1 {
		return nil, ErrInvalidMaxLength
	}
	if text == "" {
		return []string{""}, nil
	}

	var out []string
	for _, sentence := range cut(text, isSentenceMark) {
		if Count(sentence) <= maxLength {
			out = append(out, sentence)
			continue
		}
		out = append(out, pack(cut(sentence, isClauseMark), maxLength, splitWords)...)
	}
	return out, nil
}

// Count reports the length of s as Split measures it.
func Count(s string) int {
	return utf8.RuneCountInString(s)
}

func isSentenceMark(r rune) bool { return r == '.' || r == '!' || r == '?' }

func isClauseMark(r rune) bool { return r == ',' || r == '.' }

// cut ends a piece after every run of marks that follows some non-mark text.
// Marks at the very start stay with the first piece; an unterminated tail is
// returned as the last piece.
func cut(text string, isMark func(rune) bool) []string {
	var pieces []string
	start := 0
	body, marks := false, false
	for i, r := range text {
		if isMark(r) {
			marks = true
			continue
		}
		if marks && body {
			pieces = append(pieces, text[start:i])
			start = i
		}
		marks = false
		body = true
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}

// pack greedily joins pieces while the running length stays within maxLength.
// A piece that alone exceeds the bound closes the current chunk and is handed
// to refine.
func pack(pieces []string, maxLength int, refine func(string, int) []string) []string {
	var (
		out []string
		cur strings.Builder
		n   int
	)
	flush := func() {
		if n > 0 {
			out = append(out, cur.String())
			cur.Reset()
			n = 0
		}
	}
	for _, p := range pieces {
		size := Count(p)
		if size > maxLength {
			flush()
			out = append(out, refine(p, maxLength)...)
			continue
		}
		if n+size > maxLength {
			flush()
		}
		cur.WriteString(p)
		n += size
	}
	flush()
	return out
}

func splitWords(text string, maxLength int) []string {
	return pack(cut(text, unicode.IsSpace), maxLength, splitRunes)
}

func splitRunes(text string, maxLength int) []string {
	var out []string
	start, n := 0, 0
	for i := range text {
		if n == maxLength {
			out = append(out, text[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(out, text[start:])
}
