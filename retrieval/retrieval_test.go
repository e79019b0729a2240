package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/store"
)

// fakeStore implements just enough of store.Store for retrieval tests.
type fakeStore struct {
	store.Store
	sessionMessages []*model.Message
	profile         *model.Profile
}

func (f *fakeStore) ListMessagesBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	return f.sessionMessages, nil
}

func (f *fakeStore) LatestProfile(ctx context.Context, userID string) (*model.Profile, error) {
	return f.profile, nil
}

// failingVectors always errors on Query, to exercise the best-effort
// swallow spec.md §4.7 step 2 requires.
type failingVectors struct{}

func (failingVectors) Add(context.Context, model.VectorCollection, []model.VectorRecord) error {
	return nil
}
func (failingVectors) Query(context.Context, model.VectorCollection, []float32, int, map[string]string) (*model.VectorQueryResult, error) {
	return nil, errors.New("boom: vector backend unreachable")
}
func (failingVectors) Get(context.Context, model.VectorCollection, []string, map[string]string, int) ([]model.VectorRecord, error) {
	return nil, nil
}
func (failingVectors) Delete(context.Context, model.VectorCollection, []string, map[string]string) error {
	return nil
}
func (failingVectors) Count(context.Context, model.VectorCollection) (int, error) { return 0, nil }
func (failingVectors) Close() error                                              { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func msg(body string, at time.Time, role model.Role) *model.Message {
	return &model.Message{ID: body, Role: role, Body: body, CreatedAt: at}
}

// TestRetrieve_SwallowsVectorFailures checks that a failing vector
// backend degrades every fan-out section to empty rather than failing
// the turn (spec.md §4.7 step 2, §7 "retrieval failures are non-fatal").
func TestRetrieve_SwallowsVectorFailures(t *testing.T) {
	fs := &fakeStore{}
	r := New(fs, failingVectors{}, fakeEmbedder{}, nil, nil, "light-model", 4000, 2000)

	ctx, err := r.Retrieve(context.Background(), "u1", "s1", "How should I deal with anger?")
	if err != nil {
		t.Fatalf("Retrieve returned an error, but retrieval failures must be non-fatal: %v", err)
	}
	if len(ctx.StoicWisdom) != 0 || len(ctx.Psychoanalysis) != 0 || len(ctx.KnownInsights) != 0 || len(ctx.Episodic) != 0 {
		t.Errorf("expected all vector-backed sections to degrade to empty, got %+v", ctx)
	}
}

// TestRecentSessionMessages_RespectsTokenBudget checks the
// newest-to-oldest accumulation cutoff and the oldest-first return
// order (spec.md §4.7 step 3).
func TestRecentSessionMessages_RespectsTokenBudget(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Four messages, each roughly 10 tokens ("word " x10 = 10 tokens).
	body := strings.Repeat("word ", 10)
	fs := &fakeStore{sessionMessages: []*model.Message{
		msg(body, base, model.RoleUser),
		msg(body, base.Add(time.Minute), model.RoleAgent),
		msg(body, base.Add(2*time.Minute), model.RoleUser),
		msg(body, base.Add(3*time.Minute), model.RoleAgent),
	}}
	r := New(fs, failingVectors{}, fakeEmbedder{}, nil, nil, "light-model", 25, 2000) // budget fits 2 messages

	got, err := r.recentSessionMessages(context.Background(), "s1")
	if err != nil {
		t.Fatalf("recentSessionMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 messages within the 25-token budget, got %d", len(got))
	}
	if !got[0].CreatedAt.Before(got[1].CreatedAt) {
		t.Error("expected messages to be returned oldest-first")
	}
	// the two newest messages should be the ones kept.
	if got[0].CreatedAt != base.Add(2*time.Minute) || got[1].CreatedAt != base.Add(3*time.Minute) {
		t.Errorf("expected the two most recent messages to be kept, got %v, %v", got[0].CreatedAt, got[1].CreatedAt)
	}
}

// TestExpandQuery_FallsBackOnFailure checks that a nil provider falls
// back to the raw user message rather than losing the query entirely.
func TestExpandQuery_FallsBackOnFailure(t *testing.T) {
	r := New(&fakeStore{}, failingVectors{}, fakeEmbedder{}, nil, nil, "light-model", 4000, 2000)
	if got := r.expandQuery(context.Background(), "original message"); got != "original message" {
		t.Errorf("expected fallback to the raw message with a nil provider, got %q", got)
	}
}

// TestFormatPromptSections_FixedOrder checks the section ordering spec.md
// §4.7 fixes: profile, episodic, stoic, psychoanalysis, known-insights,
// recent messages. The narrative section is left empty here, so its
// position is not checked.
func TestFormatPromptSections_FixedOrder(t *testing.T) {
	ctx := &Context{
		Profile:        "profile body",
		Episodic:       []string{"past turn"},
		StoicWisdom:    []string{"wisdom quote"},
		Psychoanalysis: []string{"concept"},
		KnownInsights:  []string{"insight"},
		RecentMessages: []*model.Message{msg("hello", time.Now(), model.RoleUser)},
	}
	out := ctx.FormatPromptSections()

	order := []string{"Profile", "Relevant Past Conversations", "Relevant Stoic Wisdom", "Relevant Psychological Concepts", "Known About This Person", "Recent Conversation"}
	lastIdx := -1
	for _, section := range order {
		idx := strings.Index(out, section)
		if idx == -1 {
			t.Fatalf("expected section %q to appear in output:\n%s", section, out)
		}
		if idx <= lastIdx {
			t.Errorf("section %q appeared out of order", section)
		}
		lastIdx = idx
	}
}
