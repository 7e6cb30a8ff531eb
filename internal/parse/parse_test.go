package parse

import (
	"strings"
	"testing"
)

func TestParseEmpty(t *testing.T) {
	p := NewTextParser()
	if got := p.Parse("", "text/html"); got != nil {
		t.Errorf("expected nil for empty content, got %d chunks", len(got))
	}
	if got := p.Parse("   \n\n  ", "text/html"); got != nil {
		t.Errorf("expected nil for whitespace content, got %d chunks", len(got))
	}
}

func TestParseAttachesHeadings(t *testing.T) {
	content := `Introduction

This is the introductory paragraph explaining the topic in some detail.

Pricing Details

The base model costs $42,000 according to the manufacturer's site.`

	p := NewTextParser()
	chunks := p.Parse(content, "text/html")
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Heading != "Introduction" {
		t.Errorf("expected heading 'Introduction', got %q", chunks[0].Heading)
	}
	if chunks[1].Heading != "Pricing Details" {
		t.Errorf("expected heading 'Pricing Details', got %q", chunks[1].Heading)
	}
	if chunks[0].Index != 0 || chunks[1].Index != 1 {
		t.Error("chunk indices not positional")
	}
}

func TestParsePreservesTables(t *testing.T) {
	content := `Specifications

| Model | Price | Range |
| X     | 42000 | 500km |
| Y     | 55000 | 620km |

The table above lists current models and their attributes for comparison.`

	p := NewTextParser()
	chunks := p.Parse(content, "text/html")

	var table *Chunk
	for i := range chunks {
		if chunks[i].Kind == KindTable {
			table = &chunks[i]
		}
	}
	if table == nil {
		t.Fatal("expected a table chunk")
	}
	if !strings.Contains(table.Text, "| X     | 42000 | 500km |") {
		t.Errorf("table rows flattened: %q", table.Text)
	}
	if table.Heading != "Specifications" {
		t.Errorf("table lost its heading: %q", table.Heading)
	}
}

func TestParseSplitsLongContent(t *testing.T) {
	para := strings.Repeat("A sentence of filler content to pad out this paragraph. ", 10)
	content := strings.TrimSpace(strings.Repeat(para+"\n\n", 8))

	p := NewTextParser()
	chunks := p.Parse(content, "text/html")
	if len(chunks) < 2 {
		t.Fatalf("expected long content to split into multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Text) > 2*defaultMaxChunk {
			t.Errorf("chunk of %d chars far exceeds the bound", len(c.Text))
		}
	}
}

func TestIsHeading(t *testing.T) {
	cases := map[string]bool{
		"Pricing Details":                 true,
		"THE RESULTS":                     true,
		"Chapter 2 Methods":               true,
		"this is a plain sentence ending": false,
		"A full sentence with a period.":  false,
	}
	for text, want := range cases {
		if got := isHeading(text); got != want {
			t.Errorf("isHeading(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestParseProseOnly(t *testing.T) {
	p := NewTextParser()
	chunks := p.Parse("Just one plain paragraph without any headings at all, long enough to keep.", "text/plain")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Heading != "" || chunks[0].Kind != KindProse {
		t.Errorf("unexpected chunk metadata: %+v", chunks[0])
	}
}
