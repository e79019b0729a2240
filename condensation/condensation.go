// Package condensation is the hierarchical conversation-condensation
// engine of spec.md §4.6: hot-buffer selection over the recent message
// window, level-1 condensation of the uncondensed remainder, recursive
// meta-condensation once a level's summaries outgrow the summary
// budget, and budgeted retrieval of a mixed-level narrative view.
// Grounded directly on original_source/src/memory/condensation.py.
package condensation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ghiac/emperor/consensus"
	"github.com/ghiac/emperor/llmprovider"
	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/store"
)

// maxRecentMessages bounds the hot-buffer walk, matching
// get_recent_messages(user_id, limit=100) in the source.
const maxRecentMessages = 100

// maxLevel is the recursion safety cap (spec.md §4.6).
const maxLevel = 10

// Manager owns the three controlling token thresholds and the storage
// and (optional) consensus dependencies used to produce and retrieve
// CondensedSummary rows.
type Manager struct {
	Store store.Store

	// Provider/MainModel back the single-model-call path
	// (UseConsensus=false).
	Provider  llmprovider.Provider
	MainModel string

	// Consensus drives level condensation when UseConsensus is true;
	// may be nil when UseConsensus is false.
	Consensus *consensus.Protocol

	HotBufferTokens      int
	ChunkThresholdTokens int
	SummaryBudgetTokens  int
	UseConsensus         bool
}

// New builds a Manager from the condensation.* config block (spec.md §6).
func New(st store.Store, provider llmprovider.Provider, mainModel string, proto *consensus.Protocol, hotBuffer, chunkThreshold, summaryBudget int, useConsensus bool) *Manager {
	return &Manager{
		Store:                st,
		Provider:             provider,
		MainModel:            mainModel,
		Consensus:            proto,
		HotBufferTokens:      hotBuffer,
		ChunkThresholdTokens: chunkThreshold,
		SummaryBudgetTokens:  summaryBudget,
		UseConsensus:         useConsensus,
	}
}

// EstimateTokens is a deterministic, tokenizer-compatible approximation:
// it splits on whitespace and charges each word ceil(len/4) tokens
// (minimum 1), with punctuation counted as part of the word it touches,
// which undercounts against a real BPE tokenizer by roughly the
// tolerance spec.md §4.6 allows (no
// pack repo vendors a Go BPE encoder; this is the one stdlib-only piece
// of the engine, justified by that absence).
func EstimateTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	words := strings.Fields(text)
	tokens := 0
	for _, w := range words {
		// a long word costs more than one token, roughly one token per
		// four characters, matching BPE's typical subword granularity.
		n := (len(w) + 3) / 4
		if n < 1 {
			n = 1
		}
		tokens += n
	}
	return tokens
}

// GetUncondensedMessages returns the messages older than the hot buffer
// but newer than the latest existing summary's period end (or all of
// history if no summary exists yet).
func (m *Manager) GetUncondensedMessages(ctx context.Context, userID string) ([]*model.Message, error) {
	recent, err := m.Store.RecentMessages(ctx, userID, maxRecentMessages)
	if err != nil {
		return nil, fmt.Errorf("condensation: recent messages: %w", err)
	}
	if len(recent) <= 1 {
		return nil, nil
	}

	// recent is newest-first; walk it accumulating into the hot buffer
	// while the running total stays within budget.
	hotBufferCount := 0
	hotBufferTokens := 0
	for _, msg := range recent {
		tokens := EstimateTokens(msg.Body)
		if hotBufferTokens+tokens <= m.HotBufferTokens {
			hotBufferCount++
			hotBufferTokens += tokens
		} else {
			break
		}
	}

	// The first message that would overflow the hot buffer marks the
	// cutoff; when the whole window fits, only messages older than the
	// window's oldest message remain.
	var cutoff time.Time
	if hotBufferCount < len(recent) {
		cutoff = recent[hotBufferCount].CreatedAt
	} else {
		cutoff = recent[len(recent)-1].CreatedAt.Add(-time.Nanosecond)
	}

	summaries, err := m.Store.ListSummaries(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("condensation: list summaries: %w", err)
	}
	var latestSummaryEnd time.Time
	for _, s := range summaries {
		if s.PeriodEnd.After(latestSummaryEnd) {
			latestSummaryEnd = s.PeriodEnd
		}
	}

	uncondensed, err := m.Store.ListMessagesInRange(ctx, userID, latestSummaryEnd, cutoff)
	if err != nil {
		return nil, fmt.Errorf("condensation: messages in range: %w", err)
	}
	return uncondensed, nil
}

// ShouldCondense reports whether the uncondensed remainder has grown
// past ChunkThresholdTokens.
func (m *Manager) ShouldCondense(ctx context.Context, userID string) (bool, error) {
	uncondensed, err := m.GetUncondensedMessages(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(uncondensed) == 0 {
		return false, nil
	}
	total := 0
	for _, msg := range uncondensed {
		total += EstimateTokens(msg.Body)
	}
	return total >= m.ChunkThresholdTokens, nil
}

// CondenseChunk produces and persists a level-1 CondensedSummary from
// messages (which must be contiguous and ordered, as returned by
// GetUncondensedMessages).
func (m *Manager) CondenseChunk(ctx context.Context, userID string, messages []*model.Message) (*model.CondensedSummary, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	periodStart := messages[0].CreatedAt
	periodEnd := messages[len(messages)-1].CreatedAt
	messageCount := len(messages)
	wordCount := 0
	for _, msg := range messages {
		wordCount += len(strings.Fields(msg.Body))
	}

	messagesText := formatMessages(messages)

	previousSummaries, err := m.Store.ListSummaries(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("condensation: list summaries for context: %w", err)
	}
	previousContext := formatPreviousContext(previousSummaries)

	prompt := condensationPrompt(periodStart, periodEnd, messageCount, wordCount, previousContext, messagesText)

	body, consensusLog, err := m.produceSummary(ctx, "condensation", prompt, messagesText)
	if err != nil {
		return nil, err
	}

	summary := model.NewCondensedSummary(userID, 1, body, periodStart, periodEnd, messageCount, wordCount, nil, consensusLog)
	if err := m.Store.SaveSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("condensation: save level-1 summary: %w", err)
	}
	return summary, nil
}

// ShouldRecurse reports whether level's summaries have grown past
// SummaryBudgetTokens, meaning they should be folded into a level+1
// summary.
func (m *Manager) ShouldRecurse(ctx context.Context, userID string, level int) (bool, error) {
	summaries, err := m.Store.ListSummaries(ctx, userID, level)
	if err != nil {
		return false, fmt.Errorf("condensation: list level %d summaries: %w", level, err)
	}
	if len(summaries) <= 1 {
		return false, nil
	}
	total := 0
	for _, s := range summaries {
		total += EstimateTokens(s.Body)
	}
	return total > m.SummaryBudgetTokens, nil
}

// CondenseSummaries folds the oldest ceil(len/2) (minimum 2) of level's
// summaries into one level+1 summary.
func (m *Manager) CondenseSummaries(ctx context.Context, userID string, level int) (*model.CondensedSummary, error) {
	summaries, err := m.Store.ListSummaries(ctx, userID, level)
	if err != nil {
		return nil, fmt.Errorf("condensation: list level %d summaries: %w", level, err)
	}
	if len(summaries) <= 1 {
		return nil, nil
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].PeriodStart.Before(summaries[j].PeriodStart) })

	batchSize := (len(summaries) + 1) / 2 // ceiling division, minimum enforced below
	if batchSize < 2 {
		batchSize = 2
	}
	if batchSize > len(summaries) {
		batchSize = len(summaries)
	}
	batch := summaries[:batchSize]

	periodStart := batch[0].PeriodStart
	periodEnd := batch[0].PeriodEnd
	totalMessageCount := 0
	totalWordCount := 0
	sourceIDs := make([]string, 0, len(batch))
	for _, s := range batch {
		if s.PeriodEnd.After(periodEnd) {
			periodEnd = s.PeriodEnd
		}
		totalMessageCount += s.SourceMessageCount
		totalWordCount += s.SourceWordCount
		sourceIDs = append(sourceIDs, s.ID)
	}

	summariesText := formatSummaryBatch(batch)
	previousContext := fmt.Sprintf("Condensing %d level-%d summaries", len(batch), level)
	prompt := condensationPrompt(periodStart, periodEnd, totalMessageCount, totalWordCount, previousContext, summariesText)

	body, consensusLog, err := m.produceSummary(ctx, "condensation", prompt, summariesText)
	if err != nil {
		return nil, err
	}

	newSummary := model.NewCondensedSummary(userID, level+1, body, periodStart, periodEnd, totalMessageCount, totalWordCount, sourceIDs, consensusLog)
	if err := m.Store.SaveSummary(ctx, newSummary); err != nil {
		return nil, fmt.Errorf("condensation: save level-%d summary: %w", level+1, err)
	}
	return newSummary, nil
}

// GetContextSummaries selects a "coarse where possible, fine where
// necessary" set of summaries across levels, highest level first,
// skipping any summary whose period is already covered by one already
// selected at a higher level, and returns the selection sorted by
// period start.
func (m *Manager) GetContextSummaries(ctx context.Context, userID string, tokenBudget int) ([]*model.CondensedSummary, error) {
	all, err := m.Store.ListSummaries(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("condensation: list summaries: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	byLevel := map[int][]*model.CondensedSummary{}
	maxLvl := 0
	for _, s := range all {
		byLevel[s.Level] = append(byLevel[s.Level], s)
		if s.Level > maxLvl {
			maxLvl = s.Level
		}
	}

	var selected []*model.CondensedSummary
	currentTokens := 0

	for level := maxLvl; level >= 1; level-- {
		levelSummaries := byLevel[level]
		sort.Slice(levelSummaries, func(i, j int) bool {
			return levelSummaries[i].PeriodStart.Before(levelSummaries[j].PeriodStart)
		})

		for _, summary := range levelSummaries {
			coveredByHigher := false
			for _, already := range selected {
				if already.Covers(summary) {
					coveredByHigher = true
					break
				}
			}
			if coveredByHigher {
				continue
			}

			tokens := EstimateTokens(summary.Body)
			if currentTokens+tokens <= tokenBudget {
				selected = append(selected, summary)
				currentTokens += tokens
			}
		}
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].PeriodStart.Before(selected[j].PeriodStart) })
	return selected, nil
}

// MaybeCondense runs the full cascade: if the uncondensed remainder
// clears the chunk threshold, produce a level-1 summary, then keep
// recursing while each level outgrows the summary budget (capped at
// maxLevel). Reports whether any summary was produced. Callers must
// hold the per-user advisory lock (spec.md §5) around this call so
// concurrent triggers serialize and never double-insert a level.
func (m *Manager) MaybeCondense(ctx context.Context, userID string) (bool, error) {
	should, err := m.ShouldCondense(ctx, userID)
	if err != nil {
		return false, err
	}
	if !should {
		return false, nil
	}

	uncondensed, err := m.GetUncondensedMessages(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(uncondensed) == 0 {
		return false, nil
	}

	if _, err := m.CondenseChunk(ctx, userID, uncondensed); err != nil {
		return false, err
	}

	for level := 1; level < maxLevel; level++ {
		select {
		case <-ctx.Done():
			return true, model.Wrap(model.KindCancelled, "condensation: cascade cancelled", ctx.Err())
		default:
		}

		recurse, err := m.ShouldRecurse(ctx, userID, level)
		if err != nil {
			return true, err
		}
		if !recurse {
			break
		}
		if _, err := m.CondenseSummaries(ctx, userID, level); err != nil {
			return true, err
		}
	}

	return true, nil
}

// produceSummary obtains condensed text either from a single main-model
// call (UseConsensus=false) or the consensus protocol
// (UseConsensus=true, source_data=originalData), returning the body and
// a JSON consensus log (nil when consensus was not used).
func (m *Manager) produceSummary(ctx context.Context, promptName, prompt, originalData string) (string, []byte, error) {
	if !m.UseConsensus || m.Consensus == nil {
		text, err := m.Provider.Generate(ctx, []llmprovider.Message{{Role: "user", Content: prompt}}, llmprovider.GenerateOptions{
			Model:       m.MainModel,
			Temperature: 0.7,
			MaxTokens:   2000,
		})
		if err != nil {
			return "", nil, fmt.Errorf("condensation: generate summary: %w", err)
		}
		return strings.TrimSpace(text), nil, nil
	}

	result, err := m.Consensus.ReachConsensus(ctx, consensus.Request{
		PromptName:   promptName,
		Prompt:       prompt,
		OriginalData: originalData,
		Temperature:  0.7,
	})
	if err != nil {
		return "", nil, fmt.Errorf("condensation: consensus: %w", err)
	}
	logBytes, err := json.Marshal(result)
	if err != nil {
		return "", nil, fmt.Errorf("condensation: marshal consensus log: %w", err)
	}
	return result.FinalOutput, logBytes, nil
}

func formatMessages(messages []*model.Message) string {
	parts := make([]string, len(messages))
	for i, msg := range messages {
		parts[i] = fmt.Sprintf("[%s] %s: %s", msg.CreatedAt.Format("2006-01-02 15:04"), strings.ToUpper(string(msg.Role)), msg.Body)
	}
	return strings.Join(parts, "\n\n")
}

func formatSummaryBatch(batch []*model.CondensedSummary) string {
	parts := make([]string, len(batch))
	for i, s := range batch {
		parts[i] = fmt.Sprintf("[Period %s to %s, Level %d]:\n%s",
			s.PeriodStart.Format("2006-01-02"), s.PeriodEnd.Format("2006-01-02"), s.Level, s.Body)
	}
	return strings.Join(parts, "\n\n")
}

func formatPreviousContext(summaries []*model.CondensedSummary) string {
	if len(summaries) == 0 {
		return "None (this is the first summary)"
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].PeriodEnd.After(summaries[j].PeriodEnd) })
	if len(summaries) > 3 {
		summaries = summaries[:3]
	}
	parts := make([]string, len(summaries))
	for i, s := range summaries {
		body := s.Body
		if len(body) > 500 {
			body = body[:500]
		}
		parts[i] = fmt.Sprintf("Previous period (%s to %s): %s...",
			s.PeriodStart.Format("2006-01-02"), s.PeriodEnd.Format("2006-01-02"), body)
	}
	return strings.Join(parts, "\n\n")
}

func condensationPrompt(periodStart, periodEnd time.Time, messageCount, wordCount int, previousContext, content string) string {
	return fmt.Sprintf(`Summarize this portion of an ongoing conversation into a dense narrative memory.

Period: %s to %s
Messages: %d
Words: %d

Prior context:
%s

Content to condense:
%s

Write a condensed summary that preserves the emotional arc, recurring themes, and any commitments or
conclusions reached, in prose dense enough to stand in for the original content at a coarser resolution.`,
		periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02"), messageCount, wordCount, previousContext, content)
}
