package condensation

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/ghiac/emperor/llmprovider"
	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/store"
)

// fakeStore is a minimal in-memory store.Store covering only what the
// condensation engine touches, for exercising the engine without a real
// database.
type fakeStore struct {
	messages  []*model.Message
	summaries []*model.CondensedSummary
}

func (f *fakeStore) CreateUser(context.Context, string) (*model.User, error)      { return nil, nil }
func (f *fakeStore) GetUser(context.Context, string) (*model.User, error)         { return nil, nil }
func (f *fakeStore) GetOrCreateUser(context.Context, string) (*model.User, error) { return nil, nil }
func (f *fakeStore) UpdateUserName(context.Context, string, string) error         { return nil }
func (f *fakeStore) UpdateUserModeration(context.Context, *model.User) error      { return nil }
func (f *fakeStore) CreateSession(context.Context, *model.Session) error          { return nil }
func (f *fakeStore) GetSession(context.Context, string) (*model.Session, error)   { return nil, nil }
func (f *fakeStore) LatestSession(context.Context, string) (*model.Session, error) {
	return nil, nil
}
func (f *fakeStore) ListSessions(context.Context, string) ([]store.SessionSummary, error) {
	return nil, nil
}

func (f *fakeStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) ListMessagesBySession(context.Context, string) ([]*model.Message, error) {
	return nil, nil
}

func (f *fakeStore) ListMessagesInRange(ctx context.Context, userID string, start, end time.Time) ([]*model.Message, error) {
	var out []*model.Message
	for _, m := range f.messages {
		if m.UserID != userID {
			continue
		}
		if m.CreatedAt.After(start) && !m.CreatedAt.After(end) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) RecentMessages(ctx context.Context, userID string, limit int) ([]*model.Message, error) {
	var out []*model.Message
	for _, m := range f.messages {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) UnprocessedMessages(context.Context, string) ([]*model.Message, error) {
	return nil, nil
}
func (f *fakeStore) MarkMessageProcessed(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) SaveInsight(context.Context, *model.SemanticInsight) error     { return nil }
func (f *fakeStore) ListInsights(context.Context, string) ([]*model.SemanticInsight, error) {
	return nil, nil
}

func (f *fakeStore) SaveProfile(context.Context, string, string, []byte) (*model.Profile, error) {
	return nil, nil
}
func (f *fakeStore) LatestProfile(context.Context, string) (*model.Profile, error) { return nil, nil }

func (f *fakeStore) SaveSummary(ctx context.Context, summary *model.CondensedSummary) error {
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeStore) ListSummaries(ctx context.Context, userID string, level int) ([]*model.CondensedSummary, error) {
	var out []*model.CondensedSummary
	for _, s := range f.summaries {
		if s.UserID != userID {
			continue
		}
		if level != 0 && s.Level != level {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) SessionsSinceLastProfile(context.Context, string) (int, error) { return 0, nil }
func (f *fakeStore) Close() error                                                  { return nil }

var _ store.Store = (*fakeStore)(nil)

// canned is a Provider that always returns the same text, regardless of
// the prompt, so tests can assert purely on the engine's bookkeeping.
type canned struct{ text string }

func (c canned) Generate(context.Context, []llmprovider.Message, llmprovider.GenerateOptions) (string, error) {
	return c.text, nil
}
func (c canned) Embed(context.Context, []string, string) ([][]float32, error) { return nil, nil }

func addMessages(fs *fakeStore, userID string, n int, wordsPerMessage int, start time.Time, step time.Duration) {
	body := ""
	for i := 0; i < wordsPerMessage; i++ {
		body += "word "
	}
	for i := 0; i < n; i++ {
		fs.messages = append(fs.messages, &model.Message{
			ID:        string(rune('a' + i)),
			UserID:    userID,
			SessionID: "s1",
			Role:      model.RoleUser,
			Body:      body,
			CreatedAt: start.Add(time.Duration(i) * step),
		})
	}
}

// TestCondensationTrigger matches spec.md §8 scenario 3: with H=100,
// C=200, twenty ~20-token messages, should_condense is true and
// condense_chunk persists exactly one level-1 summary spanning the
// uncondensed messages.
func TestCondensationTrigger(t *testing.T) {
	fs := &fakeStore{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	addMessages(fs, "u1", 20, 20, start, time.Minute) // ~20 tokens/word-count each

	mgr := New(fs, canned{text: "condensed narrative"}, "main-model", nil, 100, 200, 12000, false)

	should, err := mgr.ShouldCondense(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ShouldCondense: %v", err)
	}
	if !should {
		t.Fatal("expected should_condense to be true given the uncondensed remainder exceeds C")
	}

	uncondensed, err := mgr.GetUncondensedMessages(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUncondensedMessages: %v", err)
	}
	if len(uncondensed) == 0 {
		t.Fatal("expected a non-empty uncondensed set")
	}

	summary, err := mgr.CondenseChunk(context.Background(), "u1", uncondensed)
	if err != nil {
		t.Fatalf("CondenseChunk: %v", err)
	}
	if len(fs.summaries) != 1 {
		t.Fatalf("expected exactly one persisted summary, got %d", len(fs.summaries))
	}
	if summary.Level != 1 {
		t.Errorf("expected level 1, got %d", summary.Level)
	}
	if !summary.PeriodStart.Equal(uncondensed[0].CreatedAt) || !summary.PeriodEnd.Equal(uncondensed[len(uncondensed)-1].CreatedAt) {
		t.Errorf("expected summary period to span the uncondensed messages exactly")
	}
	if summary.SourceMessageCount != len(uncondensed) {
		t.Errorf("expected source message count %d, got %d", len(uncondensed), summary.SourceMessageCount)
	}
	if len(summary.SourceSummaryIDs) != 0 {
		t.Errorf("expected level-1 summary to have no source summary ids, got %v", summary.SourceSummaryIDs)
	}
}

// TestRecursiveCondensation matches spec.md §8 scenario 4: with B=300
// and five level-1 summaries each ~100 tokens, condense_summaries(1)
// persists exactly one level-2 summary whose source ids are the first
// ceil(5/2)=3 summaries in period order.
func TestRecursiveCondensation(t *testing.T) {
	fs := &fakeStore{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hundredWords := ""
	for i := 0; i < 100; i++ {
		hundredWords += "word "
	}
	var ids []string
	for i := 0; i < 5; i++ {
		s := model.NewCondensedSummary("u1", 1, hundredWords,
			base.Add(time.Duration(i)*time.Hour), base.Add(time.Duration(i)*time.Hour+time.Minute),
			5, 100, nil, nil)
		// force a predictable id ordering for the assertion below
		s.ID = string(rune('A' + i))
		fs.summaries = append(fs.summaries, s)
		ids = append(ids, s.ID)
	}

	mgr := New(fs, canned{text: "meta summary"}, "main-model", nil, 4000, 8000, 300, false)

	should, err := mgr.ShouldRecurse(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("ShouldRecurse: %v", err)
	}
	if !should {
		t.Fatal("expected should_recurse(1) to be true: 5*100 tokens > B=300")
	}

	summary, err := mgr.CondenseSummaries(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("CondenseSummaries: %v", err)
	}
	if summary.Level != 2 {
		t.Errorf("expected level 2, got %d", summary.Level)
	}
	wantIDs := ids[:3]
	if len(summary.SourceSummaryIDs) != 3 {
		t.Fatalf("expected 3 source summary ids, got %d (%v)", len(summary.SourceSummaryIDs), summary.SourceSummaryIDs)
	}
	for i, id := range wantIDs {
		if summary.SourceSummaryIDs[i] != id {
			t.Errorf("source id %d: want %q, got %q", i, id, summary.SourceSummaryIDs[i])
		}
	}

	level2, err := mgr.Store.ListSummaries(context.Background(), "u1", 2)
	if err != nil || len(level2) != 1 {
		t.Fatalf("expected exactly one level-2 summary, got %d (err=%v)", len(level2), err)
	}
}

// TestBudgetedRetrieval matches spec.md §8 scenario 5: given a level-2
// summary covering [D1,D5] and a level-1 summary covering [D1,D3], both
// non-empty, get_context_summaries(T=very_large) returns only the
// level-2 summary because its period subsumes the level-1's.
func TestBudgetedRetrieval(t *testing.T) {
	fs := &fakeStore{}
	d1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d3 := d1.AddDate(0, 0, 2)
	d5 := d1.AddDate(0, 0, 4)

	l1 := model.NewCondensedSummary("u1", 1, "fine-grained summary", d1, d3, 10, 50, nil, nil)
	l2 := model.NewCondensedSummary("u1", 2, "coarse summary", d1, d5, 20, 100, []string{l1.ID}, nil)
	fs.summaries = append(fs.summaries, l1, l2)

	mgr := New(fs, canned{text: "unused"}, "main-model", nil, 4000, 8000, 12000, false)

	selected, err := mgr.GetContextSummaries(context.Background(), "u1", 1_000_000)
	if err != nil {
		t.Fatalf("GetContextSummaries: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("expected exactly one summary selected (the covering level-2), got %d", len(selected))
	}
	if selected[0].Level != 2 {
		t.Errorf("expected the level-2 summary to win over the covered level-1, got level %d", selected[0].Level)
	}
}

// TestEstimateTokens_Empty checks the zero-value boundary of the token
// estimator used throughout the budgeting decisions.
func TestEstimateTokens_Empty(t *testing.T) {
	if got := EstimateTokens("   "); got != 0 {
		t.Errorf("expected 0 tokens for blank text, got %d", got)
	}
	if got := EstimateTokens("hello world"); got == 0 {
		t.Errorf("expected non-zero tokens for non-blank text")
	}
}
