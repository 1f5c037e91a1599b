// WHAT: baseline retrieval confidence metrics, the decomposition gate, and
// the coverage-merge guarantee that every sub-question with results
// contributes at least one source.
// WHY: decomposition is the component's core correctness property; a gate
// that fires too eagerly wastes LLM calls, one that never fires silently
// drops sub-topics from policy answers.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/gemdesk/gemdesk/assist/internal/gate"
	"github.com/gemdesk/gemdesk/assist/internal/store"
	"github.com/gemdesk/gemdesk/dbopen"
	"github.com/gemdesk/gemdesk/llmbridge"
	_ "modernc.org/sqlite"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	deflt   []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.deflt, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) ChatJSON(ctx context.Context, budget *llmbridge.Budget, messages []openai.ChatCompletionMessage, temperature float32) (json.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.response), nil
}

func (f *fakeLLM) ChatWithTools(ctx context.Context, budget *llmbridge.Budget, messages []openai.ChatCompletionMessage, tools []openai.Tool, forbidTools bool) (*llmbridge.ToolTurn, error) {
	return nil, errors.New("not used")
}

func seedChunk(t *testing.T, st *store.Store, id, title, content, tags string, vec []float32) {
	t.Helper()
	ctx := context.Background()
	c := &store.Chunk{ID: id, Title: title, Content: content, Category: "policy", Tags: tags}
	if err := st.UpsertChunk(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertChunkEmbedding(ctx, id, vec); err != nil {
		t.Fatal(err)
	}
}

func policyFeatures() gate.TextFeatures {
	return gate.TextFeatures{QuestionLike: true, Complex: true, PolicyTopics: 2, WordCount: 16}
}

func TestBaselineConfidentSkipsDecomposition(t *testing.T) {
	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	// One very close chunk, one far: d1 low, gap large.
	seedChunk(t, st, "c1", "Shipping", "We ship worldwide.", "", []float32{1, 0, 0})
	seedChunk(t, st, "c2", "Other", "Unrelated.", "", []float32{0, 1, 0})

	llm := &fakeLLM{}
	emb := &fakeEmbedder{deflt: []float32{1, 0, 0}}
	e := New(st, emb, llm, Config{TopK: 3})

	sources, m, err := e.Retrieve(context.Background(), nil, "do you ship worldwide and what about customs?", policyFeatures(), "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if m.Decomposed {
		t.Error("confident baseline must not decompose")
	}
	if llm.calls != 0 {
		t.Errorf("no LLM call expected, got %d", llm.calls)
	}
	if len(sources) == 0 || sources[0].ChunkID != "c1" {
		t.Fatalf("sources = %+v", sources)
	}
	if m.D1 > 0.01 {
		t.Errorf("d1 = %f, want near 0", m.D1)
	}
}

func TestDecompositionGateRequiresAllSignals(t *testing.T) {
	e := New(nil, nil, nil, Config{})
	weak := Metrics{D1: 0.7, Gap: 0.2}

	f := policyFeatures()
	if !e.shouldDecompose(f, weak) {
		t.Error("complex policy question with weak d1 should decompose")
	}

	f = policyFeatures()
	f.Complex = false
	if e.shouldDecompose(f, weak) {
		t.Error("non-complex turn must not decompose")
	}

	f = policyFeatures()
	f.QuestionLike = false
	if e.shouldDecompose(f, weak) {
		t.Error("non-question turn must not decompose")
	}

	f = policyFeatures()
	f.PolicyTopics = 0
	if e.shouldDecompose(f, weak) {
		t.Error("non-policy turn must not decompose")
	}

	confident := Metrics{D1: 0.2, Gap: 0.3}
	if e.shouldDecompose(policyFeatures(), confident) {
		t.Error("confident unambiguous retrieval must not decompose")
	}

	ambiguous := Metrics{D1: 0.2, Gap: 0.01}
	if !e.shouldDecompose(policyFeatures(), ambiguous) {
		t.Error("ambiguous retrieval (small gap) should decompose")
	}
}

func TestDecompositionCoverage(t *testing.T) {
	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	// Three topic clusters; the combined question sits between them so the
	// baseline is weak for all.
	seedChunk(t, st, "ship", "Shipping", "Shipping takes 5 days.", "", []float32{1, 0, 0})
	seedChunk(t, st, "ret", "Returns", "Returns within 30 days.", "", []float32{0, 1, 0})
	seedChunk(t, st, "pay", "Payment", "We accept wire transfer.", "", []float32{0, 0, 1})

	question := "how do shipping, returns and payment work for bulk orders?"
	llm := &fakeLLM{response: `{"sub_questions": [
		"How long does shipping take?",
		"What is the return window?",
		"Which payment methods are accepted?",
		"which payment methods are accepted?"
	]}`}
	emb := &fakeEmbedder{
		deflt: []float32{0.58, 0.58, 0.58},
		vectors: map[string][]float32{
			"How long does shipping take?":        {1, 0.1, 0.1},
			"What is the return window?":          {0.1, 1, 0.1},
			"Which payment methods are accepted?": {0.1, 0.1, 1},
		},
	}
	e := New(st, emb, llm, Config{TopK: 3, WeakDistance: 0.3})

	sources, m, err := e.Retrieve(context.Background(), nil, question, policyFeatures(), "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !m.Decomposed {
		t.Fatal("weak baseline for a complex policy question should decompose")
	}
	if len(m.SubQuestions) != 3 {
		t.Fatalf("duplicate sub-question should be dropped, got %v", m.SubQuestions)
	}

	// Every sub-question that returned results contributes >= 1 source.
	for _, sub := range m.SubQuestions {
		found := false
		for _, s := range sources {
			for _, hint := range s.QueryHints {
				if hint == sub {
					found = true
				}
			}
		}
		if !found {
			t.Errorf("sub-question %q has no source in the merged set", sub)
		}
	}

	// Sources are ordered by ascending distance.
	for i := 1; i < len(sources); i++ {
		if sources[i].Distance < sources[i-1].Distance {
			t.Fatal("merged sources not sorted by distance")
		}
	}
}

func TestDecompositionFailureKeepsBaseline(t *testing.T) {
	db := dbopen.OpenMemory(t)
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	seedChunk(t, st, "c1", "Shipping", "We ship worldwide.", "", []float32{0.5, 0.5, 0.1})

	llm := &fakeLLM{err: llmbridge.ErrUpstream}
	emb := &fakeEmbedder{deflt: []float32{1, 0, 0}}
	e := New(st, emb, llm, Config{TopK: 3, WeakDistance: 0.1})

	sources, m, err := e.Retrieve(context.Background(), nil, "shipping question?", policyFeatures(), "")
	if err != nil {
		t.Fatalf("Retrieve must not propagate decomposition failure: %v", err)
	}
	if m.Decomposed {
		t.Error("failed decomposition must not be reported as decomposed")
	}
	if len(sources) != 1 || sources[0].ChunkID != "c1" {
		t.Fatalf("baseline should survive, got %+v", sources)
	}
}

func TestSnippetSanitizesHTML(t *testing.T) {
	e := New(nil, nil, nil, Config{SnippetRunes: 100})
	got := e.snippet(`<h1>Shipping</h1><p>We ship <b>worldwide</b> via <script>alert(1)</script>courier.</p>`)
	if strings.Contains(got, "<") {
		t.Errorf("snippet still contains markup: %q", got)
	}
	if !strings.Contains(got, "worldwide") {
		t.Errorf("snippet lost content: %q", got)
	}
	if strings.Contains(got, "alert(1)") {
		t.Errorf("script content survived sanitization: %q", got)
	}
}
