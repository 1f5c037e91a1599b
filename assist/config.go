package assist

import (
	"log/slog"
	"time"
)

// Config configures the assist service. All retrieval thresholds are
// deployment-tunable: they depend on the embedding model in use and need
// retuning whenever it changes.
type Config struct {
	// DefaultCurrency is the display currency when none can be resolved.
	DefaultCurrency string `yaml:"default_currency"`
	// SupportedCurrencies is the closed set accepted from NLU extraction.
	SupportedCurrencies []string `yaml:"supported_currencies"`
	// DefaultLocale is the reply locale of last resort, e.g. "en".
	DefaultLocale string `yaml:"default_locale"`
	// LanguageMode selects reply-language resolution: "auto" (LLM-inferred),
	// "locale" (request-locale passthrough), or "fixed".
	LanguageMode string `yaml:"language_mode"`
	// FixedLanguage is the forced reply language when LanguageMode is "fixed".
	FixedLanguage string `yaml:"fixed_language"`

	// CatalogVersion participates in cache fingerprints; bumping it on
	// catalog imports invalidates every rendered-result cache entry.
	CatalogVersion string `yaml:"catalog_version"`
	// PromptVersion participates in cache fingerprints.
	PromptVersion string `yaml:"prompt_version"`
	// FeatureFlags is hashed into cache fingerprints.
	FeatureFlags string `yaml:"feature_flags"`

	Search    SearchConfig    `yaml:"search"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Agent     AgentConfig     `yaml:"agent"`
	Cache     CacheConfig     `yaml:"cache"`
	Session   SessionConfig   `yaml:"session"`

	// MaxLLMCalls caps external LLM calls per request; past it the turn
	// degrades to deterministic no-LLM handling.
	MaxLLMCalls int `yaml:"max_llm_calls"`

	Logger *slog.Logger `yaml:"-"`
}

// SearchConfig tunes the hybrid product search engine.
type SearchConfig struct {
	// Limit is the default result page size.
	Limit int `yaml:"limit"`
	// CandidateMultiplier over-fetches multiplier*limit nearest neighbours
	// before the in-stock-first re-rank.
	CandidateMultiplier int `yaml:"candidate_multiplier"`
	// StrictDistance rejects vector matches above it for search_specific.
	StrictDistance float64 `yaml:"strict_distance"`
	// LooseDistance rejects vector matches above it for browsing.
	LooseDistance float64 `yaml:"loose_distance"`
	// CandidateCap bounds structured-search result scans.
	CandidateCap int `yaml:"candidate_cap"`
}

// KnowledgeConfig tunes the knowledge retrieval engine. WeakDistance and
// GapThreshold are empirically tuned per embedding model; keep them in
// deployment config.
type KnowledgeConfig struct {
	TopK int `yaml:"top_k"`
	// WeakDistance: a best distance at or above it marks retrieval weak.
	WeakDistance float64 `yaml:"weak_distance"`
	// GapThreshold: d10-d1 below it marks retrieval ambiguous.
	GapThreshold float64 `yaml:"gap_threshold"`
	// PerQueryKeep chunks per sub-query are guaranteed inclusion.
	PerQueryKeep int `yaml:"per_query_keep"`
	// MaxSubQuestions caps LLM decomposition output.
	MaxSubQuestions int `yaml:"max_sub_questions"`
	// MinSubQuestions is the lower bound asked of the LLM.
	MinSubQuestions int `yaml:"min_sub_questions"`
}

// AgentConfig bounds the agentic tool loop.
type AgentConfig struct {
	MaxRounds     int           `yaml:"max_rounds"`
	MaxCallsTotal int           `yaml:"max_calls_total"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// CacheConfig sizes the three response/query caches plus the label cache.
type CacheConfig struct {
	HotSize        int           `yaml:"hot_size"`
	HotTTL         time.Duration `yaml:"hot_ttl"`
	StructuredSize int           `yaml:"structured_size"`
	StructuredTTL  time.Duration `yaml:"structured_ttl"`
	// SemanticThreshold is the max cosine distance for a semantic hit.
	SemanticThreshold float64       `yaml:"semantic_threshold"`
	SemanticTTL       time.Duration `yaml:"semantic_ttl"`
	// LabelTTL bounds the localized-label cache.
	LabelTTL time.Duration `yaml:"label_ttl"`
}

// SessionConfig controls conversation reuse windows.
type SessionConfig struct {
	IdleMinutes  int `yaml:"idle_minutes"`
	HardCapHours int `yaml:"hard_cap_hours"`
}

// Idle returns the idle reuse window as a duration.
func (s SessionConfig) Idle() time.Duration {
	return time.Duration(s.IdleMinutes) * time.Minute
}

// HardCap returns the absolute conversation lifetime as a duration.
func (s SessionConfig) HardCap() time.Duration {
	return time.Duration(s.HardCapHours) * time.Hour
}

func (c *Config) defaults() {
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "USD"
	}
	if len(c.SupportedCurrencies) == 0 {
		c.SupportedCurrencies = []string{"USD", "EUR", "GBP", "CNY", "JPY"}
	}
	if c.DefaultLocale == "" {
		c.DefaultLocale = "en"
	}
	if c.LanguageMode == "" {
		c.LanguageMode = "auto"
	}
	if c.Search.Limit <= 0 {
		c.Search.Limit = 8
	}
	if c.Search.CandidateMultiplier <= 0 {
		c.Search.CandidateMultiplier = 3
	}
	if c.Search.StrictDistance <= 0 {
		c.Search.StrictDistance = 0.45
	}
	if c.Search.LooseDistance <= 0 {
		c.Search.LooseDistance = 0.65
	}
	if c.Search.CandidateCap <= 0 {
		c.Search.CandidateCap = 200
	}
	if c.Knowledge.TopK <= 0 {
		c.Knowledge.TopK = 6
	}
	if c.Knowledge.WeakDistance <= 0 {
		c.Knowledge.WeakDistance = 0.55
	}
	if c.Knowledge.GapThreshold <= 0 {
		c.Knowledge.GapThreshold = 0.06
	}
	if c.Knowledge.PerQueryKeep <= 0 {
		c.Knowledge.PerQueryKeep = 1
	}
	if c.Knowledge.MaxSubQuestions <= 0 {
		c.Knowledge.MaxSubQuestions = 8
	}
	if c.Knowledge.MinSubQuestions <= 0 {
		c.Knowledge.MinSubQuestions = 4
	}
	if c.Agent.MaxRounds <= 0 {
		c.Agent.MaxRounds = 4
	}
	if c.Agent.MaxCallsTotal <= 0 {
		c.Agent.MaxCallsTotal = 6
	}
	if c.Agent.CallTimeout <= 0 {
		c.Agent.CallTimeout = 3500 * time.Millisecond
	}
	if c.Cache.HotSize <= 0 {
		c.Cache.HotSize = 512
	}
	if c.Cache.HotTTL <= 0 {
		c.Cache.HotTTL = 10 * time.Minute
	}
	if c.Cache.StructuredSize <= 0 {
		c.Cache.StructuredSize = 1024
	}
	if c.Cache.StructuredTTL <= 0 {
		c.Cache.StructuredTTL = 5 * time.Minute
	}
	if c.Cache.SemanticThreshold <= 0 {
		c.Cache.SemanticThreshold = 0.08
	}
	if c.Cache.SemanticTTL <= 0 {
		c.Cache.SemanticTTL = time.Hour
	}
	if c.Cache.LabelTTL <= 0 {
		c.Cache.LabelTTL = 15 * time.Minute
	}
	if c.Session.IdleMinutes <= 0 {
		c.Session.IdleMinutes = 30
	}
	if c.Session.HardCapHours <= 0 {
		c.Session.HardCapHours = 12
	}
	if c.MaxLLMCalls <= 0 {
		c.MaxLLMCalls = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
