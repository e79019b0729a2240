// Package retrieval is the multi-source retrieval and context-assembly
// pipeline of spec.md §4.7: query expansion, a four-collection vector
// fan-out with best-effort failure handling, a recent-message window,
// a budgeted condensed narrative, and the latest profile, fused into a
// single token-budgeted prompt context in a fixed section order.
// Grounded directly on original_source/src/memory/retrieval.py and
// src/memory/context_builder.py.
package retrieval

import (
	"context"
	"strings"

	"github.com/ghiac/emperor/condensation"
	"github.com/ghiac/emperor/llmprovider"
	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/store"
	"github.com/ghiac/emperor/vectorstore"
)

// Fan-out result sizes (spec.md §4.7 step 2).
const (
	stoicTopK          = 3
	psychoanalysisTopK = 3
	semanticTopK       = 5
	episodicTopK       = 3
)

// Context is the fused, per-turn retrieval result, in the fixed section
// order the orchestrator renders the prompt in: profile, narrative,
// episodic, stoic, psychoanalysis, known-insights, recent messages.
type Context struct {
	Profile        string
	Narrative      []*model.CondensedSummary
	Episodic       []string
	StoicWisdom    []string
	Psychoanalysis []string
	KnownInsights  []string
	RecentMessages []*model.Message // oldest-first
	ExpandedQuery  string
}

// Retriever composes condensation, the vector store, the relational
// store, and an LLM provider (for query expansion) into one per-turn
// pipeline.
type Retriever struct {
	Store       store.Store
	Vectors     vectorstore.Store
	Embedder    vectorstore.Embedder
	Condensation *condensation.Manager
	Provider    llmprovider.Provider
	LightModel  string

	MaxContextTokens int // recent-message budget (spec.md §4.7 step 3)
	NarrativeBudget  int // T_narr, condensed-summary budget (step 4)
}

// New builds a Retriever from the memory/rag config blocks (spec.md §6).
func New(st store.Store, vectors vectorstore.Store, embedder vectorstore.Embedder, cond *condensation.Manager, provider llmprovider.Provider, lightModel string, maxContextTokens, narrativeBudget int) *Retriever {
	return &Retriever{
		Store:            st,
		Vectors:          vectors,
		Embedder:         embedder,
		Condensation:     cond,
		Provider:         provider,
		LightModel:       lightModel,
		MaxContextTokens: maxContextTokens,
		NarrativeBudget:  narrativeBudget,
	}
}

// Retrieve runs the full per-turn pipeline for one user/session/message.
// Every fan-out query is best-effort: a failing vector query degrades
// that section to empty rather than failing the turn (spec.md §7,
// retrieval failures are non-fatal).
func (r *Retriever) Retrieve(ctx context.Context, userID, sessionID, userMessage string) (*Context, error) {
	expanded := r.expandQuery(ctx, userMessage)

	queryEmbeddings, err := r.Embedder.Embed(ctx, []string{expanded})
	var queryEmbedding []float32
	if err == nil && len(queryEmbeddings) > 0 {
		queryEmbedding = queryEmbeddings[0]
	}

	out := &Context{ExpandedQuery: expanded}

	out.StoicWisdom = r.queryCollection(ctx, model.CollectionStoicWisdom, queryEmbedding, stoicTopK, nil)
	out.Psychoanalysis = r.queryCollection(ctx, model.CollectionPsychoanalysis, queryEmbedding, psychoanalysisTopK, nil)
	out.KnownInsights = r.queryCollection(ctx, model.CollectionSemantic, queryEmbedding, semanticTopK, map[string]string{"user_id": userID})
	out.Episodic = r.queryCollection(ctx, model.CollectionEpisodic, queryEmbedding, episodicTopK, map[string]string{"user_id": userID})

	recent, err := r.recentSessionMessages(ctx, sessionID)
	if err != nil {
		// Best-effort: recent-message lookup failing still returns a
		// usable (empty) context rather than failing the turn.
		recent = nil
	}
	out.RecentMessages = recent

	if r.Condensation != nil {
		narrative, err := r.Condensation.GetContextSummaries(ctx, userID, r.NarrativeBudget)
		if err == nil {
			out.Narrative = narrative
		}
	}

	if profile, err := r.Store.LatestProfile(ctx, userID); err == nil && profile != nil {
		out.Profile = profile.Body
	}

	return out, nil
}

// expandQuery asks the light model for a comma-separated list of
// expansion terms; any failure (provider error, empty output) falls
// back to the raw user message, exactly as
// retrieval.py::UnifiedRetriever._expand_query does.
func (r *Retriever) expandQuery(ctx context.Context, userMessage string) string {
	if r.Provider == nil {
		return userMessage
	}
	prompt := "List 3-6 comma-separated search terms (concepts, synonyms, related ideas) for retrieving " +
		"relevant context for this message. Respond with only the comma-separated list.\n\nMessage: " + userMessage

	text, err := r.Provider.Generate(ctx, []llmprovider.Message{{Role: "user", Content: prompt}}, llmprovider.GenerateOptions{
		Model:       r.LightModel,
		Temperature: 0.3,
		MaxTokens:   200,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		return userMessage
	}

	var terms []string
	for _, t := range strings.Split(text, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return userMessage
	}
	return strings.Join(terms, " ")
}

// queryCollection runs one vector fan-out query, swallowing any error
// (transport failure, timeout) into an empty slice.
func (r *Retriever) queryCollection(ctx context.Context, collection model.VectorCollection, queryEmbedding []float32, n int, where map[string]string) []string {
	if queryEmbedding == nil {
		return nil
	}
	result, err := r.Vectors.Query(ctx, collection, queryEmbedding, n, where)
	if err != nil || result == nil {
		return nil
	}
	return result.Documents
}

// recentSessionMessages walks the current session newest-to-oldest,
// including messages while the cumulative token estimate stays within
// MaxContextTokens, then returns them oldest-first for prompt rendering.
func (r *Retriever) recentSessionMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	all, err := r.Store.ListMessagesBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var included []*model.Message
	total := 0
	for i := len(all) - 1; i >= 0; i-- {
		tokens := condensation.EstimateTokens(all[i].Body)
		if total+tokens > r.MaxContextTokens {
			break
		}
		included = append(included, all[i])
		total += tokens
	}

	// included is newest-first; reverse in place to oldest-first.
	for i, j := 0, len(included)-1; i < j; i, j = i+1, j-1 {
		included[i], included[j] = included[j], included[i]
	}
	return included, nil
}

// FormatPromptSections renders ctx's sections into the fixed order the
// orchestrator composes into the persona prompt: profile, narrative,
// episodic, stoic, psychoanalysis, known-insights, recent messages.
// Grounded on context_builder.py::format_context_string and
// emperor_brain.py::respond's prompt_parts assembly.
func (c *Context) FormatPromptSections() string {
	var b strings.Builder

	if c.Profile != "" {
		b.WriteString("## Profile\n")
		b.WriteString(c.Profile)
		b.WriteString("\n\n")
	}

	if len(c.Narrative) > 0 {
		b.WriteString("## Historical Context (Condensed Summaries)\n")
		for _, s := range c.Narrative {
			b.WriteString("\n### Period: ")
			b.WriteString(s.PeriodStart.Format("2006-01-02"))
			b.WriteString(" to ")
			b.WriteString(s.PeriodEnd.Format("2006-01-02"))
			b.WriteString("\n")
			b.WriteString(s.Body)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	writeBulletSection(&b, "Relevant Past Conversations", c.Episodic)
	writeBulletSection(&b, "Relevant Stoic Wisdom", c.StoicWisdom)
	writeBulletSection(&b, "Relevant Psychological Concepts", c.Psychoanalysis)
	writeBulletSection(&b, "Known About This Person", c.KnownInsights)

	if len(c.RecentMessages) > 0 {
		b.WriteString("## Recent Conversation\n")
		for _, msg := range c.RecentMessages {
			role := "User"
			if msg.Role == model.RoleAgent {
				role = "Agent"
			}
			b.WriteString(role)
			b.WriteString(": ")
			b.WriteString(msg.Body)
			b.WriteString("\n")
		}
	}

	return strings.TrimSpace(b.String())
}

func writeBulletSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("## ")
	b.WriteString(title)
	b.WriteString("\n")
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}
