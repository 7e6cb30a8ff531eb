// Package parse converts raw page text into normalized evidence chunks
// with structural metadata. Headings become chunk boundaries and table-like
// runs are kept intact as structured spans instead of being flattened into
// prose.
package parse

import (
	"strings"
	"unicode"
)

// Chunk kinds.
const (
	KindProse = "prose"
	KindTable = "table"
)

// Chunk is one normalized span of a document.
type Chunk struct {
	Text    string
	Heading string // nearest preceding heading, if any
	Kind    string
	Index   int // position within the document
}

// Parser is the document-structure parsing collaborator contract.
type Parser interface {
	Parse(content, contentType string) []Chunk
}

const (
	defaultMaxChunk = 1600 // characters per chunk before splitting
	defaultMinChunk = 60   // spans shorter than this merge forward
)

// TextParser splits extracted text on heading boundaries.
type TextParser struct {
	maxChunk int
	minChunk int
}

// NewTextParser creates a parser with default chunk bounds.
func NewTextParser() *TextParser {
	return &TextParser{maxChunk: defaultMaxChunk, minChunk: defaultMinChunk}
}

// Parse splits content into chunks. Empty or whitespace-only content yields
// no chunks; callers report that as parse_empty rather than ingesting
// nothing silently.
func (p *TextParser) Parse(content, contentType string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	blocks := splitBlocks(content)
	if len(blocks) == 0 {
		return nil
	}

	var chunks []Chunk
	heading := ""
	var buf []string
	bufLen := 0

	flush := func() {
		if bufLen == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(buf, "\n\n"))
		if text != "" {
			chunks = append(chunks, Chunk{Text: text, Heading: heading, Kind: KindProse, Index: len(chunks)})
		}
		buf = buf[:0]
		bufLen = 0
	}

	for _, block := range blocks {
		switch {
		case isTableBlock(block):
			flush()
			chunks = append(chunks, Chunk{Text: block, Heading: heading, Kind: KindTable, Index: len(chunks)})
		case isHeading(block):
			flush()
			heading = block
		default:
			if bufLen+len(block) > p.maxChunk && bufLen >= p.minChunk {
				flush()
			}
			buf = append(buf, block)
			bufLen += len(block)
			if bufLen >= p.maxChunk {
				flush()
			}
		}
	}
	flush()

	return chunks
}

// splitBlocks splits text into paragraph-level blocks. Consecutive
// table-like lines collapse into one block.
func splitBlocks(content string) []string {
	lines := strings.Split(content, "\n")
	var blocks []string
	var current []string
	currentIsTable := false

	flush := func() {
		if len(current) == 0 {
			return
		}
		block := strings.TrimSpace(strings.Join(current, "\n"))
		if block != "" {
			blocks = append(blocks, block)
		}
		current = current[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			currentIsTable = false
			continue
		}
		lineIsTable := isTableLine(trimmed)
		if len(current) > 0 && lineIsTable != currentIsTable {
			flush()
		}
		currentIsTable = lineIsTable
		current = append(current, trimmed)
	}
	flush()

	return blocks
}

// isTableLine detects column-separated rows (markdown pipes or tabs).
func isTableLine(line string) bool {
	return strings.Count(line, "|") >= 2 || strings.Count(line, "\t") >= 2
}

func isTableBlock(block string) bool {
	lines := strings.Split(block, "\n")
	if len(lines) < 2 {
		return false
	}
	for _, l := range lines {
		if !isTableLine(l) {
			return false
		}
	}
	return true
}

// isHeading uses shape heuristics on extracted text: short single line, no
// terminal sentence punctuation, mostly title-cased or all-caps.
func isHeading(block string) bool {
	if strings.Contains(block, "\n") {
		return false
	}
	if len(block) > 80 {
		return false
	}
	last := rune(block[len(block)-1])
	if last == '.' || last == '!' || last == '?' || last == ',' || last == ';' {
		return false
	}

	words := strings.Fields(block)
	if len(words) == 0 || len(words) > 12 {
		return false
	}

	capitalized := 0
	for _, w := range words {
		r := []rune(w)[0]
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			capitalized++
		}
	}
	return capitalized*2 >= len(words)
}
