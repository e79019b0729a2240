package consensus

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/ghiac/emperor/llmprovider"
)

// scriptedProvider replays one canned reply per call, strictly in call
// order, ignoring the prompt and model: each round calls generate A,
// generate B, review-by-A of B, then review-by-B of A, since both sides
// of a round share one Provider in Router.
type scriptedProvider struct {
	t       *testing.T
	replies []string
	calls   int
}

func (s *scriptedProvider) Generate(ctx context.Context, messages []llmprovider.Message, opts llmprovider.GenerateOptions) (string, error) {
	if s.calls >= len(s.replies) {
		s.t.Fatalf("scriptedProvider: ran out of replies after %d calls", s.calls)
	}
	reply := s.replies[s.calls]
	s.calls++
	return reply, nil
}

func (s *scriptedProvider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	s.t.Fatal("scriptedProvider: Embed not expected in consensus tests")
	return nil, nil
}

func approvedReview(strengths ...string) string {
	data, _ := json.Marshal(map[string]any{
		"approved":  true,
		"strengths": strengths,
		"concerns":  []any{},
		"reasoning": "looks solid",
	})
	return string(data)
}

func rejectingReview(issue, severity string) string {
	data, _ := json.Marshal(map[string]any{
		"approved":  false,
		"strengths": []string{},
		"concerns": []map[string]string{
			{"issue": issue, "severity": severity},
		},
		"reasoning": "needs work",
	})
	return string(data)
}

// TestReachConsensus_ImmediateAgreement covers a single round where both
// models approve each other's output on the first try: consensus should
// be reached with BetaThreshold == 1, and the output with more reviewer
// strengths should win (tie goes to A when counts are equal).
func TestReachConsensus_ImmediateAgreement(t *testing.T) {
	dir := t.TempDir()
	provider := &scriptedProvider{t: t, replies: []string{
		"Output from model A",
		"Output from model B",
		approvedReview("clear", "accurate"), // A reviewing B: 2 strengths
		approvedReview("concise"),           // B reviewing A: 1 strength
	}}

	p := New(provider, "gpt-4o", "claude-3-opus", 1, dir)
	result, err := p.ReachConsensus(context.Background(), Request{
		PromptName: "test_prompt",
		Prompt:     "Summarize the session.",
	})
	if err != nil {
		t.Fatalf("ReachConsensus: %v", err)
	}
	if !result.Reached {
		t.Fatal("expected consensus to be reached in round 1")
	}
	if result.FinalOutput != "Output from model B" {
		t.Errorf("expected model B's output to win (2 reviewer strengths vs 1), got %q", result.FinalOutput)
	}
	if result.StabilityScore != 1.0 {
		t.Errorf("expected stability score 1.0, got %v", result.StabilityScore)
	}
	if len(result.Rounds) != 1 {
		t.Errorf("expected exactly 1 round, got %d", len(result.Rounds))
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one audit log file, got %v (err=%v)", entries, err)
	}
	if !strings.HasPrefix(entries[0].Name(), "test_prompt_") {
		t.Errorf("expected audit log filename to start with prompt name, got %q", entries[0].Name())
	}
}

// TestReachConsensus_MergeTieGoesToA checks that when both reviewers award
// the same number of strengths, model A's output wins.
func TestReachConsensus_MergeTieGoesToA(t *testing.T) {
	dir := t.TempDir()
	provider := &scriptedProvider{t: t, replies: []string{
		"A's answer",
		"B's answer",
		approvedReview("good"),
		approvedReview("good"),
	}}

	p := New(provider, "gpt-4o", "claude-3-opus", 1, dir)
	result, err := p.ReachConsensus(context.Background(), Request{PromptName: "tie_case", Prompt: "prompt"})
	if err != nil {
		t.Fatalf("ReachConsensus: %v", err)
	}
	if result.FinalOutput != "A's answer" {
		t.Errorf("expected tie to go to model A, got %q", result.FinalOutput)
	}
}

// TestReachConsensus_CriticalConstructFlagged ensures a concern whose
// Issue text matches one of the caller's critical constructs shows up in
// CriticalFlags, even when the round never reaches consensus.
func TestReachConsensus_CriticalConstructFlagged(t *testing.T) {
	dir := t.TempDir()
	provider := &scriptedProvider{t: t, replies: []string{
		"A's answer", "B's answer",
		rejectingReview("missing discussion of the virtue of temperance", "critical"),
		rejectingReview("tone is too informal", "minor"),
	}}

	p := New(provider, "gpt-4o", "claude-3-opus", 2, dir)
	result, err := p.ReachConsensus(context.Background(), Request{
		PromptName:         "critical_case",
		Prompt:             "prompt",
		CriticalConstructs: []string{"temperance"},
		MaxRounds:          1,
	})
	if err != nil {
		t.Fatalf("ReachConsensus: %v", err)
	}
	if result.Reached {
		t.Fatal("expected no consensus given a rejecting review")
	}
	found := false
	for _, flag := range result.CriticalFlags {
		if strings.Contains(flag, "temperance") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a critical flag mentioning temperance, got %v", result.CriticalFlags)
	}
	// UseModelAOnFailure defaults true via New, so the fallback output is A's.
	if result.FinalOutput != "A's answer" {
		t.Errorf("expected fallback to model A's last output, got %q", result.FinalOutput)
	}
}

// TestParseReview_FallsBackOnMalformedJSON checks the brace-balanced
// extraction falls back to an unapproved review carrying the raw text
// when the model's reply isn't valid JSON.
func TestParseReview_FallsBackOnMalformedJSON(t *testing.T) {
	review := parseReview("I think this is good but forgot to format as JSON")
	if review.Approved {
		t.Error("expected fallback review to be unapproved")
	}
	if review.Reasoning == "" {
		t.Error("expected fallback review to carry the raw text as reasoning")
	}
}

func TestParseReview_ExtractsEmbeddedJSON(t *testing.T) {
	text := `Sure, here is my review:
{"approved": true, "strengths": ["thorough"], "concerns": [], "reasoning": "good"}
Hope that helps!`
	review := parseReview(text)
	if !review.Approved {
		t.Fatal("expected embedded JSON to be parsed and approved")
	}
	if len(review.Strengths) != 1 || review.Strengths[0] != "thorough" {
		t.Errorf("expected strengths to be parsed, got %v", review.Strengths)
	}
}
