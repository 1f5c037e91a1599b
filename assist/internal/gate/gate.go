// Package gate decides which retrieval paths run for a chat turn. It is a
// pure function over the NLU verdict and lexical features of the raw text;
// it performs no I/O so the orchestrator can call it unconditionally.
package gate

import (
	"strings"
	"unicode"
)

// TextFeatures are lexical signals extracted from the raw user text.
type TextFeatures struct {
	// QuestionLike: ends in '?' or starts with an interrogative word.
	QuestionLike bool
	// Complex: long (>=14 words), multiple '?', or coordinating conjunctions.
	Complex bool
	// PolicyTopics counts distinct matched policy keywords (deduplicated).
	PolicyTopics int
	// ProductWording: the text mentions product-like vocabulary.
	ProductWording bool
	WordCount      int
}

// Decision names the retrieval paths to run.
type Decision struct {
	UseProducts  bool
	UseKnowledge bool
}

var interrogatives = []string{
	"what", "which", "who", "whom", "whose", "when", "where", "why", "how",
	"is", "are", "can", "could", "do", "does", "did", "will", "would", "should",
}

// policyKeywords maps trigger words to a canonical topic so synonyms
// ("refund" and "return") count once.
var policyKeywords = map[string]string{
	"shipping": "shipping", "ship": "shipping", "delivery": "shipping", "deliver": "shipping",
	"return": "returns", "returns": "returns", "refund": "returns", "exchange": "returns",
	"payment": "payment", "pay": "payment", "invoice": "payment", "deposit": "payment",
	"customs": "customs", "duty": "customs", "duties": "customs", "import": "customs",
	"moq": "moq", "minimum": "moq", "wholesale": "moq", "bulk": "moq",
	"warranty": "warranty", "guarantee": "warranty",
	"sample": "samples", "samples": "samples",
	"certificate": "certification", "certification": "certification", "hallmark": "certification",
}

var productWords = []string{
	"ring", "rings", "necklace", "necklaces", "bracelet", "bracelets",
	"earring", "earrings", "pendant", "pendants", "brooch", "chain", "chains",
	"gold", "silver", "platinum", "diamond", "gemstone", "pearl",
	"sku", "price", "stock", "item", "product", "products", "catalog", "collection",
}

var conjunctions = []string{"and", "but", "or", "also", "plus", "as well as"}

// Analyze computes lexical features from the raw user text.
func Analyze(text string) TextFeatures {
	var f TextFeatures
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return f
	}

	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '-'
	})
	f.WordCount = len(words)

	if strings.HasSuffix(strings.TrimSpace(text), "?") {
		f.QuestionLike = true
	}
	if len(words) > 0 {
		for _, q := range interrogatives {
			if words[0] == q {
				f.QuestionLike = true
				break
			}
		}
	}

	questionMarks := strings.Count(text, "?")
	conjCount := 0
	for _, c := range conjunctions {
		if strings.Contains(lower, " "+c+" ") {
			conjCount++
		}
	}
	f.Complex = f.WordCount >= 14 || questionMarks > 1 || conjCount >= 2

	topics := map[string]bool{}
	for _, w := range words {
		if topic, ok := policyKeywords[w]; ok {
			topics[topic] = true
		}
	}
	f.PolicyTopics = len(topics)

	for _, w := range words {
		for _, p := range productWords {
			if w == p {
				f.ProductWording = true
				break
			}
		}
		if f.ProductWording {
			break
		}
	}
	return f
}

// Decide maps (intent, showProducts, skuPresent, features) to the retrieval
// paths. An exact SKU or master-code match discovered later in the pipeline
// still overrides this: callers must honor skuPresent=true downstream even
// when Decide said UseProducts=false.
func Decide(intent string, showProducts, skuPresent bool, f TextFeatures) Decision {
	var d Decision

	switch intent {
	case "smalltalk", "off_topic":
		return d
	case "search_specific", "browse_products":
		d.UseProducts = true
		d.UseKnowledge = f.QuestionLike && f.PolicyTopics > 0
	case "knowledge_query":
		d.UseKnowledge = true
		d.UseProducts = showProducts || skuPresent || f.ProductWording
	default: // fallback_general and unknown intents
		d.UseKnowledge = true
		d.UseProducts = showProducts || skuPresent
	}

	if skuPresent {
		d.UseProducts = true
	}

	// Policy-heavy turns with no product wording skip product search.
	if f.PolicyTopics >= 2 && !f.ProductWording && !skuPresent && !showProducts {
		d.UseProducts = false
	}
	return d
}
