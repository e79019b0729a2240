package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/ghiac/emperor/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateUser_IsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreateUser (create): %v", err)
	}
	u2, err := s.GetOrCreateUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreateUser (fetch): %v", err)
	}
	if u1.ID != u2.ID || u1.CreatedAt != u2.CreatedAt {
		t.Errorf("expected the second call to return the same row, got %+v vs %+v", u1, u2)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetUser(context.Background(), "nope")
	if !model.IsKind(err, model.KindNotFound) {
		t.Errorf("expected a NotFound error, got %v", err)
	}
}

// TestMessageOrdering checks the §3 invariant: messages within a session
// come back in strictly monotonic (created_at, id) order.
func TestMessageOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreateUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	sess := model.NewSession("u1")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var saved []*model.Message
	for i := 0; i < 5; i++ {
		m := model.NewMessage("u1", sess.ID, model.RoleUser, "hello")
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
		saved = append(saved, m)
	}

	got, err := s.ListMessagesBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessagesBySession: %v", err)
	}
	if len(got) != len(saved) {
		t.Fatalf("expected %d messages, got %d", len(saved), len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Errorf("expected strictly increasing CreatedAt, got %v then %v", got[i-1].CreatedAt, got[i].CreatedAt)
		}
	}
}

// TestSaveProfile_VersionsAreMonotonicPerUser checks the §3/§8 invariant:
// for each user, the set of profile versions is {1,...,N}.
func TestSaveProfile_VersionsAreMonotonicPerUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreateUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		p, err := s.SaveProfile(ctx, "u1", "body", nil)
		if err != nil {
			t.Fatalf("SaveProfile #%d: %v", i, err)
		}
		if p.Version != i {
			t.Errorf("expected version %d, got %d", i, p.Version)
		}
	}

	latest, err := s.LatestProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestProfile: %v", err)
	}
	if latest.Version != 3 {
		t.Errorf("expected latest version 3, got %d", latest.Version)
	}

	// A second user's versions must start independently at 1.
	if _, err := s.GetOrCreateUser(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	p, err := s.SaveProfile(ctx, "u2", "body", nil)
	if err != nil {
		t.Fatalf("SaveProfile for u2: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("expected u2's first profile to be version 1, got %d", p.Version)
	}
}

// TestSaveInsight_RoundTrips is not a vector test (the vector half is not
// tested in this module), but confirms the relational half of the "every insight
// has a matching id-bearing row" invariant: SaveInsight round-trips the
// source message id and confidence unchanged.
func TestSaveInsight_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreateUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	insight := &model.SemanticInsight{
		ID:              "ins1",
		UserID:          "u1",
		SourceMessageID: "msg1",
		Text:            "prefers mornings",
		Confidence:      0.8,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.SaveInsight(ctx, insight); err != nil {
		t.Fatalf("SaveInsight: %v", err)
	}

	got, err := s.ListInsights(ctx, "u1")
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ins1" || got[0].Confidence != 0.8 {
		t.Errorf("expected the saved insight to round-trip, got %+v", got)
	}
}

// TestUnprocessedMessages_FiltersOnPsychUpdateAndProcessedAt checks the
// §4.2 query used by the semantic-extraction job.
func TestUnprocessedMessages_FiltersOnPsychUpdateAndProcessedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.GetOrCreateUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	sess := model.NewSession("u1")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	withUpdate := model.NewMessage("u1", sess.ID, model.RoleAgent, "reply")
	withUpdate.PsychUpdate = &model.PsychUpdate{EmotionalState: "calm"}
	if err := s.SaveMessage(ctx, withUpdate); err != nil {
		t.Fatal(err)
	}

	plain := model.NewMessage("u1", sess.ID, model.RoleUser, "hi")
	if err := s.SaveMessage(ctx, plain); err != nil {
		t.Fatal(err)
	}

	unprocessed, err := s.UnprocessedMessages(ctx, "u1")
	if err != nil {
		t.Fatalf("UnprocessedMessages: %v", err)
	}
	if len(unprocessed) != 1 || unprocessed[0].ID != withUpdate.ID {
		t.Fatalf("expected only the message with a PsychUpdate, got %+v", unprocessed)
	}

	if err := s.MarkMessageProcessed(ctx, withUpdate.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkMessageProcessed: %v", err)
	}

	unprocessed, err = s.UnprocessedMessages(ctx, "u1")
	if err != nil {
		t.Fatalf("UnprocessedMessages after mark: %v", err)
	}
	if len(unprocessed) != 0 {
		t.Errorf("expected no unprocessed messages after marking, got %d", len(unprocessed))
	}
}
