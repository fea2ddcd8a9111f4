// ABOUTME: Line- and word-aware splitter that keeps messages under a platform size limit
// ABOUTME: Lengths are measured in runes so multi-byte text is never cut mid-character

package platform

import (
	"strings"
	"unicode/utf8"
)

// SplitMessage splits text into chunks of at most limit runes.
//
// Text that fits is returned as a single chunk. Otherwise lines are packed
// greedily; a line that is itself longer than limit is packed word by word,
// and a word longer than limit is cut at the limit. When no line exceeds the
// limit, joining the chunks with "\n" reproduces text exactly.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	lines := &packer{limit: limit, sep: "\n"}
	for _, line := range strings.Split(text, "\n") {
		if utf8.RuneCountInString(line) <= limit {
			lines.add(line)
			continue
		}

		lines.flush()
		words := &packer{limit: limit, sep: " "}
		for _, word := range strings.Split(line, " ") {
			if utf8.RuneCountInString(word) <= limit {
				words.add(word)
				continue
			}
			words.flush()
			words.out = append(words.out, cutRunes(word, limit)...)
		}
		words.flush()
		lines.out = append(lines.out, words.out...)
	}
	lines.flush()
	return lines.out
}

// packer accumulates pieces joined by sep and flushes whenever the next piece
// would push the buffer over the limit.
type packer struct {
	limit int
	sep   string
	buf   strings.Builder
	n     int
	has   bool
	out   []string
}

func (p *packer) add(piece string) {
	size := utf8.RuneCountInString(piece)
	sepSize := utf8.RuneCountInString(p.sep)
	if p.has && p.n+sepSize+size > p.limit {
		p.flush()
	}
	if p.has {
		p.buf.WriteString(p.sep)
		p.n += sepSize
	}
	p.buf.WriteString(piece)
	p.n += size
	p.has = true
}

func (p *packer) flush() {
	if !p.has {
		return
	}
	p.out = append(p.out, p.buf.String())
	p.buf.Reset()
	p.n = 0
	p.has = false
}

func cutRunes(s string, limit int) []string {
	var parts []string
	runes := []rune(s)
	for len(runes) > limit {
		parts = append(parts, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// Truncate shortens s to at most maxLen runes, ending in "..." when cut.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:max(maxLen, 0)])
	}
	return string(runes[:maxLen-3]) + "..."
}
