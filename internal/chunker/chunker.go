// Package chunker splits extracted text into overlapping windows for embedding.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var sentenceEnd = regexp.MustCompile(`([.!?]+)\s+`)

type level struct {
	split func(string) []string
	join  string
}

// levels are tried from the coarsest boundary to the finest one.
var levels = []level{
	{split: func(s string) []string { return strings.Split(s, "\n\n") }, join: "\n\n"},
	{split: func(s string) []string { return strings.Split(s, "\n") }, join: "\n"},
	{split: splitSentences, join: " "},
	{split: strings.Fields, join: " "},
	{split: splitRunes, join: ""},
}

// Split cuts text into chunks of at most chunkSize runes, preferring paragraph, line,
// sentence and word boundaries in that order. Consecutive chunks repeat up to
// chunkOverlap runes of trailing pieces from the previous chunk.
func Split(text string, chunkSize, chunkOverlap int) []string {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize - 1
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s := &splitter{size: chunkSize, overlap: chunkOverlap}
	raw := s.split(text, 0)
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

type splitter struct {
	size    int
	overlap int
}

func (s *splitter) split(text string, depth int) []string {
	lv := levels[depth]
	var out []string
	var fits []string
	for _, piece := range lv.split(text) {
		if depth < len(levels)-1 {
			piece = strings.TrimSpace(piece)
		}
		if piece == "" {
			continue
		}
		if runeLen(piece) <= s.size {
			fits = append(fits, piece)
			continue
		}
		if len(fits) > 0 {
			out = append(out, s.merge(fits, lv.join)...)
			fits = nil
		}
		out = append(out, s.split(piece, depth+1)...)
	}
	if len(fits) > 0 {
		out = append(out, s.merge(fits, lv.join)...)
	}
	return out
}

// merge packs pieces (each no longer than size) into windows, carrying the tail of
// each emitted window into the next one while it stays within the overlap budget.
func (s *splitter) merge(pieces []string, join string) []string {
	joinLen := runeLen(join)
	var docs []string
	var current []string
	total := 0
	for _, p := range pieces {
		l := runeLen(p)
		if len(current) > 0 && total+l+joinLen > s.size {
			docs = append(docs, strings.Join(current, join))
			for len(current) > 0 && (total > s.overlap || total+l+joinLen > s.size) {
				total -= runeLen(current[0])
				if len(current) > 1 {
					total -= joinLen
				}
				current = current[1:]
			}
		}
		if len(current) > 0 {
			total += joinLen
		}
		current = append(current, p)
		total += l
	}
	if len(current) > 0 {
		docs = append(docs, strings.Join(current, join))
	}
	return docs
}

func splitSentences(text string) []string {
	matches := sentenceEnd.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	out := make([]string, 0, len(matches)+1)
	prev := 0
	for _, m := range matches {
		out = append(out, text[prev:m[3]])
		prev = m[1]
	}
	if prev < len(text) {
		out = append(out, text[prev:])
	}
	return out
}

func splitRunes(text string) []string {
	out := make([]string, 0, len(text))
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
