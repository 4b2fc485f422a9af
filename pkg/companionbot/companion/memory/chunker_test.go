package memory

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitIntoChunksSections(t *testing.T) {
	doc := "intro line\n\n## First\nbody one\n\n## Second\nbody two\n"
	chunks := SplitIntoChunks("MEMORY.md", doc)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3 (preamble + two sections)", len(chunks))
	}
	for i, c := range chunks {
		if c.Source != "MEMORY.md" {
			t.Errorf("chunk %d source = %q", i, c.Source)
		}
	}
	if chunks[0].ID != "MEMORY.md:0" || chunks[2].ID != "MEMORY.md:2" {
		t.Errorf("ids = %q %q %q, want sequential MEMORY.md:N", chunks[0].ID, chunks[1].ID, chunks[2].ID)
	}
	if !strings.Contains(chunks[1].Text, "## First") || !strings.Contains(chunks[1].Text, "body one") {
		t.Errorf("section heading should stay with its body, got %q", chunks[1].Text)
	}
}

func TestSplitIntoChunksDeterministic(t *testing.T) {
	doc := "## A\n" + strings.Repeat("paragraph text here\n\n", 60)
	a := SplitIntoChunks("src", doc)
	b := SplitIntoChunks("src", doc)
	if !reflect.DeepEqual(a, b) {
		t.Error("chunking must be deterministic for stable ids")
	}
}

func TestSplitIntoChunksSoftLimit(t *testing.T) {
	para := strings.Repeat("x", 200)
	doc := "## Big\n" + para + "\n\n" + para + "\n\n" + para + "\n\n" + para
	chunks := SplitIntoChunks("src", doc)

	if len(chunks) < 2 {
		t.Fatalf("overlong section should split, got %d chunk(s)", len(chunks))
	}
	for _, c := range chunks {
		// The limit is soft: a single overlong line may exceed it, but
		// paragraph-assembled chunks must not blow past it by a paragraph.
		if len(c.Text) > chunkSoftLimit+len(para) {
			t.Errorf("chunk of %d chars far exceeds the soft limit", len(c.Text))
		}
	}
}

func TestSplitIntoChunksSkipsEmpty(t *testing.T) {
	if chunks := SplitIntoChunks("src", "\n\n   \n"); len(chunks) != 0 {
		t.Errorf("whitespace-only document yielded %d chunks, want 0", len(chunks))
	}
}

func TestSplitSoftOverlongLine(t *testing.T) {
	line := strings.Repeat("y", 700)
	pieces := splitSoft(line, 500)
	if len(pieces) != 1 || pieces[0] != line {
		t.Errorf("a single unbreakable line should pass through whole, got %d pieces", len(pieces))
	}
}
