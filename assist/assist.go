// Package assist is the retrieval-and-answer engine: it routes a chat turn
// through NLU, the retrieval gate, hybrid product search, adaptive knowledge
// retrieval and response synthesis, with multi-tier caching and a bounded
// agentic tool loop for turns that need live state.
package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/gemdesk/gemdesk/assist/internal/agentic"
	"github.com/gemdesk/gemdesk/assist/internal/cache"
	"github.com/gemdesk/gemdesk/assist/internal/gate"
	"github.com/gemdesk/gemdesk/assist/internal/knowledge"
	"github.com/gemdesk/gemdesk/assist/internal/nlu"
	"github.com/gemdesk/gemdesk/assist/internal/product"
	"github.com/gemdesk/gemdesk/assist/internal/render"
	"github.com/gemdesk/gemdesk/assist/internal/store"
	"github.com/gemdesk/gemdesk/embedder"
	"github.com/gemdesk/gemdesk/kit"
	"github.com/gemdesk/gemdesk/llmbridge"
)

// Service orchestrates one chat turn end to end.
type Service struct {
	cfg    Config
	store  *store.Store
	embed  embedder.Embedder
	llm    llmbridge.Client
	router *nlu.Router

	products  *product.Engine
	knowledge *knowledge.Engine
	agent     *agentic.Orchestrator
	renderer  *render.Renderer

	hot        *cache.Hot
	structured *cache.Structured
	semantic   *cache.Semantic

	logger *slog.Logger
}

// New wires the service. The caches are created here, once per process, and
// live for the service lifetime.
func New(st *store.Store, emb embedder.Embedder, llm llmbridge.Client, rates map[string]float64, cfg Config) *Service {
	cfg.defaults()

	structured := cache.NewStructured(cfg.Cache.StructuredSize, cfg.Cache.StructuredTTL)
	products := product.New(st, structured, product.Config{
		Limit:               cfg.Search.Limit,
		CandidateMultiplier: cfg.Search.CandidateMultiplier,
		CandidateCap:        cfg.Search.CandidateCap,
		CatalogVersion:      cfg.CatalogVersion,
		Logger:              cfg.Logger,
	})
	know := knowledge.New(st, emb, llm, knowledge.Config{
		TopK:            cfg.Knowledge.TopK,
		WeakDistance:    cfg.Knowledge.WeakDistance,
		GapThreshold:    cfg.Knowledge.GapThreshold,
		PerQueryKeep:    cfg.Knowledge.PerQueryKeep,
		MaxSubQuestions: cfg.Knowledge.MaxSubQuestions,
		MinSubQuestions: cfg.Knowledge.MinSubQuestions,
		Logger:          cfg.Logger,
	})

	return &Service{
		cfg:    cfg,
		store:  st,
		embed:  emb,
		llm:    llm,
		router: nlu.New(llm, nlu.Config{
			SupportedCurrencies: cfg.SupportedCurrencies,
			DefaultCurrency:     cfg.DefaultCurrency,
			DefaultLocale:       cfg.DefaultLocale,
			LanguageMode:        cfg.LanguageMode,
			FixedLanguage:       cfg.FixedLanguage,
			Logger:              cfg.Logger,
		}),
		products:  products,
		knowledge: know,
		agent: agentic.New(llm, emb, products, know, st, agentic.Config{
			MaxRounds:     cfg.Agent.MaxRounds,
			MaxCallsTotal: cfg.Agent.MaxCallsTotal,
			CallTimeout:   cfg.Agent.CallTimeout,
			Logger:        cfg.Logger,
		}),
		renderer:   render.New(llm, cache.NewLabels(256, cfg.Cache.LabelTTL), render.Config{ExchangeRates: rates, Logger: cfg.Logger}),
		hot:        cache.NewHot(cfg.Cache.HotSize, cfg.Cache.HotTTL),
		structured: structured,
		semantic:   cache.NewSemantic(st, cfg.Cache.SemanticThreshold, cfg.Cache.SemanticTTL, cfg.Logger),
		logger:     cfg.Logger,
	}
}

// Chat handles one turn. It always produces a reply for valid input; upstream
// failures degrade to deterministic fallbacks instead of propagating.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, ErrNoUser
	}

	budget := llmbridge.NewBudget(s.cfg.MaxLLMCalls)

	conv, err := s.store.ActiveConversation(ctx, req.UserID, s.cfg.Session.Idle(), s.cfg.Session.HardCap())
	if err != nil {
		return nil, fmt.Errorf("assist: conversation: %w", err)
	}
	history, err := s.store.RecentMessages(ctx, conv.ID, 6)
	if err != nil {
		s.logger.Warn("history load failed, continuing without", "error", err)
	}

	// The hot-cache key must be computable before any LLM call, so locale
	// and currency resolve deterministically here, not from the verdict.
	fp := cache.Fingerprint(cache.FingerprintInput{
		Text:           message,
		Locale:         s.router.DeterministicLanguage(req.Locale),
		Currency:       s.router.DeterministicCurrency(message),
		Channel:        kit.GetChannel(ctx),
		CatalogVersion: s.cfg.CatalogVersion,
		FeatureFlags:   s.cfg.FeatureFlags,
		PromptVersion:  s.cfg.PromptVersion,
	})

	// Live-state turns belong to the agent loop and never reuse cached
	// answers; everything else may short-circuit before classification.
	if !mentionsLiveState(message) {
		if entry, ok := s.hot.Get(fp); ok {
			if resp := s.decodeCached(entry.Payload); resp != nil {
				resp.Meta.CacheHit = "hot"
				resp.Meta.ConversationID = conv.ID
				resp.Meta.AgenticPath = false
				resp.Meta.LLMCalls, resp.Meta.PromptTokens, resp.Meta.OutputTokens = budget.Usage()
				s.persistTurn(ctx, conv.ID, message, resp)
				return resp, nil
			}
		}
	}

	verdict := s.router.Classify(ctx, budget, message, req.Locale, nluHistory(history))
	features := gate.Analyze(message)

	if s.needsAgentic(verdict, message) {
		return s.chatAgentic(ctx, budget, conv, req, message, verdict)
	}

	queryVec, embErr := s.embed.Embed(ctx, verdict.RefinedQuery)
	if embErr != nil {
		s.logger.Warn("query embedding failed, vector paths disabled", "error", embErr)
	} else if payload, ok := s.semantic.Lookup(ctx, queryVec, verdict.ReplyLanguage, verdict.TargetCurrency); ok {
		resp := s.decodeCached(payload)
		if resp != nil {
			resp.Meta.CacheHit = "semantic"
			s.finishMeta(resp, conv.ID, verdict, budget, false)
			s.persistTurn(ctx, conv.ID, message, resp)
			return resp, nil
		}
	}

	decision := gate.Decide(verdict.Intent, verdict.ShowProducts, verdict.ProductCode != "", features)

	// A comparison with fewer than two product codes cannot run any product
	// search; the reply asks for the missing code instead of guessing.
	var ambiguityReason string
	if decision.UseProducts && nlu.IsComparison(message) && len(compareTokens(message, verdict)) < 2 {
		decision.UseProducts = false
		ambiguityReason = "compare_requires_two_skus"
	}

	var (
		wg      sync.WaitGroup
		matches []product.Match
		sources []knowledge.Source
		prodErr error
		knowErr error
	)
	if decision.UseProducts && embErr == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			matches, prodErr = s.searchProducts(ctx, queryVec, message, verdict)
			if prodErr != nil {
				s.logger.Warn("product retrieval failed", "error", prodErr)
			}
		}()
	}
	if decision.UseKnowledge {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sources, _, knowErr = s.knowledge.Retrieve(ctx, budget, verdict.RefinedQuery, features, "")
			if knowErr != nil {
				s.logger.Warn("knowledge retrieval failed", "error", knowErr)
			}
		}()
	}
	wg.Wait()

	cards := s.buildCards(ctx, budget, matches, verdict.TargetCurrency, verdict.ReplyLanguage)
	resp := s.synthesize(ctx, budget, message, verdict, history, cards, sources)
	resp.Meta.AmbiguityReason = ambiguityReason
	s.finishMeta(resp, conv.ID, verdict, budget, false)
	s.persistTurn(ctx, conv.ID, message, resp)

	// Only LLM-generated responses are worth caching.
	if resp.Meta.CacheHit == "" {
		if payload, err := json.Marshal(resp); err == nil {
			s.hot.Set(fp, cache.HotEntry{Payload: string(payload), Language: verdict.ReplyLanguage, Currency: verdict.TargetCurrency})
			if embErr == nil {
				if err := s.semantic.Store(ctx, queryVec, string(payload), verdict.ReplyLanguage, verdict.TargetCurrency); err != nil {
					s.logger.Warn("semantic cache write failed", "error", err)
				}
			}
		}
	}
	return resp, nil
}

// liveStateWords mark turns that need tool-mediated live state; those go
// through the agent loop and bypass every cache.
var liveStateWords = []string{
	"in stock", "stock", "inventory", "availability", "available",
	"how many", "quantity", "lead time",
}

func mentionsLiveState(message string) bool {
	lower := strings.ToLower(message)
	for _, w := range liveStateWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func (s *Service) needsAgentic(v nlu.Verdict, message string) bool {
	if !mentionsLiveState(message) {
		return false
	}
	return v.ProductCode != "" || v.Intent == nlu.IntentSearchSpecific || v.Intent == nlu.IntentBrowseProducts
}

// compareTokens collects the distinct product codes a comparison turn names:
// every SKU-like token in the text plus the verdict's extracted code.
func compareTokens(message string, v nlu.Verdict) []string {
	tokens := nlu.ExtractProductCodes(message)
	if v.ProductCode == "" {
		return tokens
	}
	for _, t := range tokens {
		if strings.EqualFold(t, v.ProductCode) {
			return tokens
		}
	}
	return append([]string{v.ProductCode}, tokens...)
}

func (s *Service) chatAgentic(ctx context.Context, budget *llmbridge.Budget, conv *store.Conversation, req ChatRequest, message string, verdict nlu.Verdict) (*ChatResponse, error) {
	history, _ := s.store.RecentMessages(ctx, conv.ID, 6)

	outcome, err := s.agent.Run(ctx, budget, chatHistory(history), message, verdict.ReplyLanguage)
	resp := &ChatResponse{Intent: Intent(verdict.Intent)}
	if err != nil {
		s.logger.Warn("agent loop failed", "error", err)
		resp.ReplyText = s.fallbackReply(verdict.ReplyLanguage)
	} else {
		resp.ProductCarousel = s.buildCards(ctx, budget, outcome.Products, verdict.TargetCurrency, verdict.ReplyLanguage)
		resp.Sources = convertSources(outcome.Sources)
		if outcome.State == agentic.StateDone {
			resp.ReplyText = outcome.Reply
		} else {
			resp.ReplyText = s.fallbackReply(verdict.ReplyLanguage)
		}
	}

	if repaired, changed := render.Repair(resp.ReplyText, len(resp.ProductCarousel), verdict.ReplyLanguage); changed {
		resp.ReplyText = repaired
	}
	s.finishMeta(resp, conv.ID, verdict, budget, true)
	s.persistTurn(ctx, conv.ID, message, resp)
	return resp, nil
}

// searchProducts picks the search mode from the verdict: extracted codes go
// through smart search (exact SKU wins, distance 0), everything else is a
// vector search with the intent's distance cutoff.
func (s *Service) searchProducts(ctx context.Context, vec []float32, message string, v nlu.Verdict) ([]product.Match, error) {
	maxDistance := s.cfg.Search.LooseDistance
	if v.Intent == nlu.IntentSearchSpecific {
		maxDistance = s.cfg.Search.StrictDistance
	}

	tokens := nlu.ExtractProductCodes(message)
	if v.ProductCode != "" {
		tokens = append([]string{v.ProductCode}, tokens...)
	}

	var (
		res product.Result
		err error
	)
	if len(tokens) > 0 {
		res, err = s.products.SmartSearch(ctx, vec, tokens, s.cfg.Search.Limit, maxDistance)
	} else {
		res, err = s.products.VectorSearch(ctx, vec, s.cfg.Search.Limit, maxDistance)
	}
	if err != nil {
		return nil, err
	}

	matches := res.Matches
	if t := jewelryType(message); t != "" && !res.Exact {
		matches = product.FilterByType(matches, t)
	}
	return matches, nil
}

var jewelryTypes = []string{"ring", "necklace", "bracelet", "earring", "pendant", "brooch", "chain"}

func jewelryType(message string) string {
	lower := strings.ToLower(message)
	for _, t := range jewelryTypes {
		if strings.Contains(lower, t) {
			return t
		}
	}
	return ""
}

// buildCards merges product rows with their EAV attributes, converts prices
// into the target display currency, and localizes the display labels into
// the reply language.
func (s *Service) buildCards(ctx context.Context, budget *llmbridge.Budget, matches []product.Match, targetCurrency, lang string) []ProductCard {
	if len(matches) == 0 {
		return nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.Product.ID
	}
	attrs, err := s.store.AttributeLookup(ctx, ids)
	if err != nil {
		s.logger.Warn("attribute lookup failed, cards without attributes", "error", err)
		attrs = nil
	}
	attrLabels, buttonLabel := s.cardLabels(ctx, budget, attrs, lang)

	cards := make([]ProductCard, len(matches))
	for i, m := range matches {
		cents, code := s.renderer.ConvertPrice(m.Product.PriceCents, m.Product.Currency, targetCurrency)
		cards[i] = ProductCard{
			ID:          m.Product.ID,
			SKU:         m.Product.SKU,
			Name:        m.Product.Name,
			Price:       float64(cents) / 100,
			Currency:    code,
			InStock:     m.Product.InStock,
			ImageURL:    m.Product.ImageURL,
			ProductURL:  m.Product.ProductURL,
			Attributes:  displayAttrs(attrs[m.Product.ID], attrLabels),
			ButtonLabel: buttonLabel,
		}
	}
	return cards
}

const viewProductLabel = "View product"

// cardLabels resolves display names for the attributes in play and runs
// them, plus the card button text, through label localization. English
// replies never reach the localization call.
func (s *Service) cardLabels(ctx context.Context, budget *llmbridge.Budget, attrs map[string]map[string]string, lang string) (map[string]string, string) {
	labels := map[string]string{"button_view": viewProductLabel}
	names := map[string]bool{}
	for _, m := range attrs {
		for name := range m {
			names[name] = true
		}
	}
	if len(names) > 0 {
		display := map[string]string{}
		defs, err := s.store.ListAttributeDefinitions(ctx)
		if err != nil {
			s.logger.Warn("attribute definitions lookup failed, raw names as labels", "error", err)
		}
		for _, d := range defs {
			if d.DisplayName != "" {
				display[d.Name] = d.DisplayName
			}
		}
		for name := range names {
			label := display[name]
			if label == "" {
				label = name
			}
			labels["attr_"+name] = label
		}
	}

	localized := s.renderer.LocalizeLabels(ctx, budget, labels, lang)
	attrLabels := make(map[string]string, len(names))
	for name := range names {
		attrLabels[name] = localized["attr_"+name]
	}
	return attrLabels, localized["button_view"]
}

// displayAttrs rekeys an attribute map by display label.
func displayAttrs(attrs, labels map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for name, value := range attrs {
		label := labels[name]
		if label == "" {
			label = name
		}
		out[label] = value
	}
	return out
}

const synthesisPrompt = `You are a sales assistant for a wholesale jewelry storefront.
Answer the customer's message using ONLY the evidence below. Never invent products, prices or policies.
Reply in %LANG%. Return a JSON object:
  {"reply": "...", "carousel_msg": "...", "follow_up_questions": ["...", "..."]}
carousel_msg introduces the product list when products are shown, else "".
Suggest at most 3 short follow-up questions.`

type synthesisOut struct {
	Reply             string   `json:"reply"`
	CarouselMsg       string   `json:"carousel_msg"`
	FollowUpQuestions []string `json:"follow_up_questions"`
}

// synthesize produces the final reply over the retrieved evidence, then runs
// consistency repair. Any LLM failure falls back to a deterministic reply so
// the orchestrator always answers.
func (s *Service) synthesize(ctx context.Context, budget *llmbridge.Budget, message string, v nlu.Verdict, history []store.Message, cards []ProductCard, sources []knowledge.Source) *ChatResponse {
	resp := &ChatResponse{
		Intent:          Intent(v.Intent),
		ProductCarousel: cards,
		Sources:         convertSources(sources),
	}

	var evidence strings.Builder
	if len(cards) > 0 {
		evidence.WriteString("PRODUCTS:\n")
		for _, c := range cards {
			fmt.Fprintf(&evidence, "- %s %s, %s, in_stock=%v\n", c.SKU, c.Name, render.FormatPrice(int64(c.Price*100+0.5), c.Currency), c.InStock)
		}
	}
	if len(sources) > 0 {
		evidence.WriteString("ARTICLES:\n")
		for _, src := range sources {
			fmt.Fprintf(&evidence, "- %s: %s\n", src.Title, src.Snippet)
		}
	}
	if evidence.Len() == 0 {
		evidence.WriteString("No evidence retrieved.")
	}

	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: strings.Replace(synthesisPrompt, "%LANG%", v.ReplyLanguage, 1)},
	}
	msgs = append(msgs, chatHistory(history)...)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message + "\n\nEVIDENCE:\n" + evidence.String(),
	})

	raw, err := s.llm.ChatJSON(ctx, budget, msgs, 0.4)
	if err != nil {
		s.logger.Warn("synthesis failed, deterministic fallback", "error", err)
		resp.ReplyText = s.deterministicReply(v.ReplyLanguage, len(cards), len(sources))
	} else {
		var out synthesisOut
		if jsonErr := json.Unmarshal(raw, &out); jsonErr != nil || out.Reply == "" {
			resp.ReplyText = s.deterministicReply(v.ReplyLanguage, len(cards), len(sources))
		} else {
			resp.ReplyText = out.Reply
			resp.CarouselMsg = out.CarouselMsg
			if len(out.FollowUpQuestions) > 3 {
				out.FollowUpQuestions = out.FollowUpQuestions[:3]
			}
			resp.FollowUpQuestions = out.FollowUpQuestions
		}
	}

	if repaired, changed := render.Repair(resp.ReplyText, len(resp.ProductCarousel), v.ReplyLanguage); changed {
		resp.ReplyText = repaired
	}
	return resp
}

// deterministicReply is the no-LLM answer: a localized template over
// whatever was retrieved.
func (s *Service) deterministicReply(lang string, cards, sources int) string {
	if cards > 0 {
		repaired, _ := render.Repair("no products", cards, lang)
		return repaired
	}
	if sources > 0 {
		// The sources are attached to the response; point at them.
		return s.fallbackReply(lang)
	}
	return s.fallbackReply(lang)
}

var fallbackReplies = map[string]string{
	"en": "I don't have enough information to answer that. Could you rephrase or add details?",
	"de": "Dazu habe ich leider nicht genug Informationen. Können Sie die Frage anders formulieren?",
	"fr": "Je n'ai pas assez d'informations pour répondre. Pouvez-vous reformuler ?",
	"es": "No tengo suficiente información para responder. ¿Puede reformular la pregunta?",
	"zh": "我目前没有足够的信息来回答这个问题。您能换一种方式提问吗？",
}

func (s *Service) fallbackReply(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if r, ok := fallbackReplies[strings.ToLower(lang)]; ok {
		return r
	}
	return fallbackReplies["en"]
}

func (s *Service) finishMeta(resp *ChatResponse, convID string, v nlu.Verdict, budget *llmbridge.Budget, agenticPath bool) {
	calls, prompt, complete := budget.Usage()
	resp.Meta.ConversationID = convID
	resp.Meta.ReplyLanguage = v.ReplyLanguage
	resp.Meta.Currency = v.TargetCurrency
	resp.Meta.AgenticPath = agenticPath
	resp.Meta.LLMCalls = calls
	resp.Meta.PromptTokens = prompt
	resp.Meta.OutputTokens = complete
}

// persistTurn appends the user and assistant messages. Persistence failures
// are logged, never surfaced: the reply is already built.
func (s *Service) persistTurn(ctx context.Context, convID, userText string, resp *ChatResponse) {
	if err := s.store.AppendMessage(ctx, &store.Message{
		ConversationID: convID,
		Role:           "user",
		Content:        userText,
	}); err != nil {
		s.logger.Warn("persist user message failed", "error", err)
		return
	}

	var productsJSON string
	if len(resp.ProductCarousel) > 0 {
		if b, err := json.Marshal(resp.ProductCarousel); err == nil {
			productsJSON = string(b)
		}
	}
	if err := s.store.AppendMessage(ctx, &store.Message{
		ConversationID: convID,
		Role:           "assistant",
		Content:        resp.ReplyText,
		ProductsJSON:   productsJSON,
	}); err != nil {
		s.logger.Warn("persist assistant message failed", "error", err)
	}
}

func (s *Service) decodeCached(payload string) *ChatResponse {
	var resp ChatResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		s.logger.Warn("cached payload undecodable, ignoring", "error", err)
		return nil
	}
	return &resp
}

func convertSources(in []knowledge.Source) []KnowledgeSource {
	out := make([]KnowledgeSource, len(in))
	for i, src := range in {
		hint := ""
		if len(src.QueryHints) > 0 {
			hint = src.QueryHints[0]
		}
		out[i] = KnowledgeSource{
			ChunkID:   src.ChunkID,
			ArticleID: src.ArticleID,
			Title:     src.Title,
			Snippet:   src.Snippet,
			Category:  src.Category,
			Relevance: src.Relevance,
			Distance:  src.Distance,
			QueryHint: hint,
		}
	}
	return out
}

func nluHistory(msgs []store.Message) []nlu.Turn {
	out := make([]nlu.Turn, len(msgs))
	for i, m := range msgs {
		out[i] = nlu.Turn{Role: m.Role, Content: m.Content}
	}
	return out
}

func chatHistory(msgs []store.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

