// WHAT: paragraph-aware splitting, the token cap, and the overlap carried
// between consecutive chunks.
// WHY: chunk boundaries decide what a single embedding can retrieve; a
// sentence lost at a cut is a policy answer the bot can never find.
package chunk

import (
	"strings"
	"testing"
)

func TestSplitShortText(t *testing.T) {
	text := "Orders above 50 units ship free of charge."
	chunks := Split(text, Options{MaxTokens: 512})
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("text = %q, want %q", chunks[0].Text, text)
	}
	if chunks[0].OverlapPrev != 0 {
		t.Errorf("overlap = %d, want 0", chunks[0].OverlapPrev)
	}
}

func TestSplitEmpty(t *testing.T) {
	if chunks := Split("", Options{}); chunks != nil {
		t.Errorf("empty input: got %v, want nil", chunks)
	}
	if chunks := Split("   \n\n  ", Options{}); chunks != nil {
		t.Errorf("blank input: got %v, want nil", chunks)
	}
}

func TestSplitLongText(t *testing.T) {
	words := make([]string, 200)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	chunks := Split(text, Options{MaxTokens: 50, OverlapTokens: 10})
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want >= 3", len(chunks))
	}
	for i, c := range chunks {
		if c.TokenCount > 50 {
			t.Errorf("chunk[%d]: %d tokens > 50 max", i, c.TokenCount)
		}
		if c.Index != i {
			t.Errorf("chunk[%d]: index = %d", i, c.Index)
		}
	}
	if chunks[0].OverlapPrev != 0 {
		t.Errorf("chunk[0] overlap = %d, want 0", chunks[0].OverlapPrev)
	}
	if chunks[1].OverlapPrev != 10 {
		t.Errorf("chunk[1] overlap = %d, want 10", chunks[1].OverlapPrev)
	}
}

func TestSplitOverlapRepeatsTail(t *testing.T) {
	words := make([]string, 60)
	for i := range words {
		words[i] = "w" + strings.Repeat("x", i%7)
	}
	chunks := Split(strings.Join(words, " "), Options{MaxTokens: 40, OverlapTokens: 5})
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want >= 2", len(chunks))
	}
	prev := strings.Fields(chunks[0].Text)
	next := strings.Fields(chunks[1].Text)
	tail := prev[len(prev)-chunks[1].OverlapPrev:]
	for i, w := range tail {
		if next[i] != w {
			t.Fatalf("overlap word %d: got %q, want %q", i, next[i], w)
		}
	}
}

func TestSplitParagraphAware(t *testing.T) {
	para1 := strings.Repeat("shipping ", 30)
	para2 := strings.Repeat("returns ", 30)
	para3 := strings.Repeat("payment ", 30)
	text := para1 + "\n\n" + para2 + "\n\n" + para3

	chunks := Split(text, Options{MaxTokens: 50, OverlapTokens: 5})
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want >= 2", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "shipping") {
		t.Errorf("chunk[0] should start with the first paragraph, got %q", chunks[0].Text[:50])
	}
}

func TestCountTokens(t *testing.T) {
	if got := CountTokens("one two three four five"); got != 5 {
		t.Errorf("CountTokens = %d, want 5", got)
	}
}
