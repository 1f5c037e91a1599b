package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// FingerprintInput names every field participating in a response cache key.
// Catalog and prompt versions are included so bumping either invalidates
// all rendered results without touching the cache itself.
type FingerprintInput struct {
	Text           string
	Locale         string
	Currency       string
	Channel        string
	CatalogVersion string
	FeatureFlags   string
	PromptVersion  string
}

// Fingerprint derives a stable cache key. Text is normalized (lowercased,
// whitespace collapsed) so trivial reformattings share an entry.
func Fingerprint(in FingerprintInput) string {
	h := sha256.New()
	for _, part := range []string{
		NormalizeText(in.Text),
		strings.ToLower(in.Locale),
		strings.ToUpper(in.Currency),
		in.Channel,
		in.CatalogVersion,
		in.FeatureFlags,
		in.PromptVersion,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText lowercases and collapses runs of whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
