// Package memory implements the companion's long-term memory: markdown
// memory files, a chunker, and a hybrid retrieval engine fusing dense
// vector similarity with SQLite FTS5 BM25 keyword search.
package memory

import (
	"fmt"
	"strings"
)

// chunkSoftLimit is the approximate maximum chunk size in characters.
// Sections longer than this are split at paragraph boundaries.
const chunkSoftLimit = 500

// Chunk is one indexable unit of a memory source document.
type Chunk struct {
	ID     string // "<source>:<index>"
	Source string
	Text   string
}

// SplitIntoChunks splits a markdown document into chunks: first on "##"
// headings, then by the soft character limit at paragraph boundaries.
// The split is deterministic.
func SplitIntoChunks(source, markdown string) []Chunk {
	sections := splitSections(markdown)

	var chunks []Chunk
	idx := 0
	for _, section := range sections {
		for _, piece := range splitSoft(section, chunkSoftLimit) {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			chunks = append(chunks, Chunk{
				ID:     fmt.Sprintf("%s:%d", source, idx),
				Source: source,
				Text:   piece,
			})
			idx++
		}
	}
	return chunks
}

// splitSections splits markdown on level-2 headings, keeping each heading
// with its body.
func splitSections(markdown string) []string {
	lines := strings.Split(markdown, "\n")
	var sections []string
	var current strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, "## ") && current.Len() > 0 {
			sections = append(sections, current.String())
			current.Reset()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if current.Len() > 0 {
		sections = append(sections, current.String())
	}
	return sections
}

// splitSoft splits text into pieces of at most limit characters, breaking
// at blank lines first and single newlines second. A single overlong
// line is emitted as-is rather than split mid-word.
func splitSoft(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return []string{text}
	}

	paragraphs := strings.Split(text, "\n\n")
	var pieces []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
		}
	}
	for _, para := range paragraphs {
		if current.Len() > 0 && current.Len()+len(para)+2 > limit {
			flush()
		}
		if len(para) > limit {
			flush()
			// Break the long paragraph at line boundaries.
			for _, line := range strings.Split(para, "\n") {
				if current.Len() > 0 && current.Len()+len(line)+1 > limit {
					flush()
				}
				if current.Len() > 0 {
					current.WriteString("\n")
				}
				current.WriteString(line)
			}
			flush()
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return pieces
}
