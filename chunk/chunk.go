// Package chunk splits knowledge-article text into retrieval-sized
// fragments. Splitting is paragraph-aware: a chunk prefers to end on a
// blank-line boundary, and consecutive chunks share a configurable word
// overlap so a policy sentence cut at a boundary stays retrievable.
package chunk

import "strings"

// Options controls splitting.
type Options struct {
	// MaxTokens caps tokens per chunk. 0 means 512.
	MaxTokens int
	// OverlapTokens is the number of tokens repeated from the tail of the
	// previous chunk.
	OverlapTokens int
}

// Chunk is one fragment of a split text.
type Chunk struct {
	Index       int
	Text        string
	TokenCount  int
	OverlapPrev int
}

// CountTokens counts whitespace-separated tokens. Embedding servers count
// subword tokens, but word count is a stable upper-bound proxy that needs
// no model-specific tokenizer.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// Split cuts text into chunks of at most MaxTokens tokens. Returns nil for
// empty input. A text that fits in one chunk is returned verbatim.
func Split(text string, opts Options) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	max := opts.MaxTokens
	if max <= 0 {
		max = 512
	}
	overlap := opts.OverlapTokens
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= max {
		overlap = max / 4
	}

	if CountTokens(text) <= max {
		return []Chunk{{Text: text, TokenCount: CountTokens(text)}}
	}

	var paras [][]string
	for _, p := range strings.Split(text, "\n\n") {
		if f := strings.Fields(p); len(f) > 0 {
			paras = append(paras, f)
		}
	}

	var chunks []Chunk
	var cur []string
	carried := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Text:        strings.Join(cur, " "),
			TokenCount:  len(cur),
			OverlapPrev: carried,
		})
		tail := overlap
		if tail > len(cur) {
			tail = len(cur)
		}
		cur = append([]string(nil), cur[len(cur)-tail:]...)
		carried = tail
	}

	for _, para := range paras {
		for len(para) > 0 {
			room := max - len(cur)
			if room == 0 {
				flush()
				room = max - len(cur)
			}
			n := room
			if n > len(para) {
				n = len(para)
			}
			cur = append(cur, para[:n]...)
			para = para[n:]
		}
		// Break at the paragraph boundary once the chunk is nearly full,
		// so the next paragraph starts a fresh chunk.
		if len(cur) >= max-overlap {
			flush()
		}
	}
	// Leftover words beyond the carried overlap form the final chunk.
	if len(cur) > carried {
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Text:        strings.Join(cur, " "),
			TokenCount:  len(cur),
			OverlapPrev: carried,
		})
	}
	return chunks
}
