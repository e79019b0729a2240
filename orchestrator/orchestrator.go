// Package orchestrator is the thin per-turn coordinator of spec.md
// §4.8: it composes retrieval, the persona LLM call, the response
// guard, and persistence into Respond, and runs the
// extract-then-condense-then-synthesize pipeline on demand in Analyze.
// Grounded on original_source/src/core/emperor_brain.py::respond for
// prompt assembly and guard application, and on that file's
// expand_query/extract_semantic_insights plus
// src/memory/condensation.py::maybe_condense for Analyze.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ghiac/emperor/condensation"
	"github.com/ghiac/emperor/consensus"
	"github.com/ghiac/emperor/guard"
	"github.com/ghiac/emperor/llmprovider"
	"github.com/ghiac/emperor/log"
	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/moderation"
	"github.com/ghiac/emperor/retrieval"
	"github.com/ghiac/emperor/store"
	"github.com/ghiac/emperor/vectorstore"
)

// fixedApology is returned when the persona call's JSON payload fails to
// parse even after retrying, matching spec.md §4.8's "fixed apology
// string" failure mode.
const fixedApology = "I find myself unable to gather my thoughts clearly just now. Let us try that again in a moment."

// Timeouts bounds the per-operation budgets from spec.md §5.
type Timeouts struct {
	LLM      time.Duration
	Database time.Duration
	Vector   time.Duration
}

// Orchestrator composes every subsystem into the per-turn and on-demand
// analysis pipelines.
type Orchestrator struct {
	Store    store.Store
	Vectors  vectorstore.Store
	Provider llmprovider.Provider

	Retrieval    *retrieval.Retriever
	Condensation *condensation.Manager
	Consensus    *consensus.Protocol
	Guard        *guard.Guard
	Moderation   *moderation.Moderation

	MainModel string

	// SystemPromptTemplate is the persona's system prompt, with a
	// "{{profile}}" placeholder substituted per turn. Its exact text is
	// an external collaborator's concern (spec.md §1); this field only
	// carries whatever the caller configures.
	SystemPromptTemplate string

	MinSummariesForProfile int
	Timeouts               Timeouts

	sessionLocks *KeyedMutex
	userLocks    *KeyedMutex
}

// New builds an Orchestrator. Guard and Moderation may be nil to disable
// those layers.
func New(st store.Store, vectors vectorstore.Store, provider llmprovider.Provider, retriever *retrieval.Retriever, cond *condensation.Manager, proto *consensus.Protocol, g *guard.Guard, mod *moderation.Moderation, mainModel, systemPromptTemplate string, minSummariesForProfile int, timeouts Timeouts) *Orchestrator {
	return &Orchestrator{
		Store:                  st,
		Vectors:                vectors,
		Provider:               provider,
		Retrieval:              retriever,
		Condensation:           cond,
		Consensus:              proto,
		Guard:                  g,
		Moderation:             mod,
		MainModel:              mainModel,
		SystemPromptTemplate:   systemPromptTemplate,
		MinSummariesForProfile: minSummariesForProfile,
		Timeouts:               timeouts,
		sessionLocks:           NewKeyedMutex(),
		userLocks:              NewKeyedMutex(),
	}
}

// Response is the outcome of one Respond call.
type Response struct {
	ReplyText string
	SessionID string
	MessageID string
}

// Respond runs one conversational turn: retrieval, persona generation,
// the response guard, persistence, and a fire-and-forget background
// condensation/profile-refresh pass. sessionID may be empty to use (or
// create) the user's latest session.
func (o *Orchestrator) Respond(ctx context.Context, userID, sessionID, text string) (*Response, error) {
	user, err := o.Store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: get-or-create user: %w", err)
	}

	if o.Moderation != nil {
		if banned, message := o.Moderation.CheckBanStatus(ctx, userID); banned {
			return &Response{ReplyText: message, SessionID: sessionID}, nil
		}
	}

	session, err := o.resolveSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve session: %w", err)
	}

	unlock := o.sessionLocks.Lock(session.ID)
	defer unlock()

	replyText, psychUpdate, err := o.generateTurn(ctx, userID, session.ID, text)
	if err != nil {
		return nil, err
	}

	if o.Guard != nil {
		if safe, blocked := o.Guard.Check(replyText); blocked {
			replyText = safe
			psychUpdate.DetectedPatterns = append(psychUpdate.DetectedPatterns, "prompt_extraction_attempt")
		}
	}

	userMsg := model.NewMessage(userID, session.ID, model.RoleUser, text)
	if err := o.Store.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("orchestrator: save user message: %w", err)
	}

	agentMsg := model.NewMessage(userID, session.ID, model.RoleAgent, replyText)
	agentMsg.PsychUpdate = psychUpdate
	if err := o.Store.SaveMessage(ctx, agentMsg); err != nil {
		return nil, fmt.Errorf("orchestrator: save agent message: %w", err)
	}

	go o.postTurnBookkeeping(context.WithoutCancel(ctx), userID, session.ID, agentMsg.ID, text, replyText, psychUpdate)

	if o.Moderation != nil {
		if _, _, err := o.Moderation.ProcessNonsenseCheck(ctx, userID, text); err != nil {
			log.Log.Warnf("[Orchestrator] moderation check failed | UserID: %s | Error: %v", userID, err)
		}
	}

	_ = user // user row already ensured to exist; no further use here.

	return &Response{ReplyText: replyText, SessionID: session.ID, MessageID: agentMsg.ID}, nil
}

func (o *Orchestrator) resolveSession(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	if sessionID != "" {
		return o.Store.GetSession(ctx, sessionID)
	}
	session, err := o.Store.LatestSession(ctx, userID)
	if err == nil {
		return session, nil
	}
	if !model.IsKind(err, model.KindNotFound) {
		return nil, err
	}
	session = model.NewSession(userID)
	if err := o.Store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// generateTurn runs retrieval and the persona call, retrying up to
// twice (with a +0.1 temperature bump each time) on a JSON parse
// failure before giving up with the fixed apology.
func (o *Orchestrator) generateTurn(ctx context.Context, userID, sessionID, text string) (string, *model.PsychUpdate, error) {
	var retrievedContext *retrieval.Context
	if o.Retrieval != nil {
		vecCtx, cancel := context.WithTimeout(ctx, o.vectorTimeout())
		rc, err := o.Retrieval.Retrieve(vecCtx, userID, sessionID, text)
		cancel()
		if err != nil {
			// Retrieval failures are non-fatal (spec.md §7): degrade to
			// an empty context rather than failing the turn.
			log.Log.Warnf("[Orchestrator] retrieval failed, proceeding without context | UserID: %s | Error: %v", userID, err)
			rc = &retrieval.Context{}
		}
		retrievedContext = rc
	} else {
		retrievedContext = &retrieval.Context{}
	}

	prompt := buildPrompt(retrievedContext, text)
	systemPrompt := strings.ReplaceAll(o.SystemPromptTemplate, "{{profile}}", profileOrDefault(retrievedContext.Profile))

	temperature := 0.7
	for attempt := 0; attempt < 3; attempt++ {
		llmCtx, cancel := context.WithTimeout(ctx, o.llmTimeout())
		raw, err := o.Provider.Generate(llmCtx, []llmprovider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		}, llmprovider.GenerateOptions{
			Model:       o.MainModel,
			Temperature: temperature,
			MaxTokens:   2000,
			JSONMode:    true,
		})
		cancel()
		if err != nil {
			return "", nil, fmt.Errorf("orchestrator: generate persona reply: %w", err)
		}

		replyText, psychUpdate, perr := parsePersonaResponse(raw)
		if perr == nil {
			return replyText, psychUpdate, nil
		}

		temperature += 0.1
	}

	failed := model.ParseErrorPsychUpdate()
	failed.DetectedPatterns = append(failed.DetectedPatterns, "response_generation_failed")
	return fixedApology, failed, nil
}

func profileOrDefault(profile string) string {
	if profile == "" {
		return "No profile yet - this is a new user."
	}
	return profile
}

func buildPrompt(rc *retrieval.Context, userMessage string) string {
	var b strings.Builder
	if sections := rc.FormatPromptSections(); sections != "" {
		b.WriteString(sections)
		b.WriteString("\n\n")
	}
	b.WriteString("## Current Message\nUser: ")
	b.WriteString(userMessage)
	b.WriteString("\n\nRespond with a single JSON object: {\"response_text\": string, \"psych_update\": {...}}.")
	return b.String()
}

// personaReply is the structured payload the persona call returns
// (spec.md §4.7): response_text (or its aliases text/reply) plus a
// psych_update object matching model.PsychUpdate.
type personaReply struct {
	ResponseText string             `json:"response_text"`
	Text         string             `json:"text"`
	Reply        string             `json:"reply"`
	PsychUpdate  *model.PsychUpdate `json:"psych_update"`
}

func parsePersonaResponse(raw string) (string, *model.PsychUpdate, error) {
	var reply personaReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &reply); err != nil {
		return "", nil, fmt.Errorf("orchestrator: parse persona response: %w", err)
	}

	text := reply.ResponseText
	if text == "" {
		text = reply.Text
	}
	if text == "" {
		text = reply.Reply
	}
	if text == "" {
		return "", nil, fmt.Errorf("orchestrator: persona response missing response_text/text/reply")
	}

	psychUpdate := reply.PsychUpdate
	if psychUpdate == nil {
		psychUpdate = &model.PsychUpdate{EmotionalState: "unknown"}
	}
	return text, psychUpdate, nil
}

// postTurnBookkeeping persists semantic assertions and the episodic
// vector record, then runs condensation and, if warranted, profile
// synthesis. All of it is best-effort and logged rather than
// propagated, per spec.md §7's "condensation and profile-synthesis
// failures are non-fatal".
func (o *Orchestrator) postTurnBookkeeping(ctx context.Context, userID, sessionID, agentMsgID, userText, replyText string, psychUpdate *model.PsychUpdate) {
	// assertions reference the agent message that carried them
	for _, assertion := range psychUpdate.Assertions {
		if assertion.Confidence < 0.5 {
			continue
		}
		insight := model.NewSemanticInsight(userID, agentMsgID, assertion)
		if err := o.Store.SaveInsight(ctx, insight); err != nil {
			log.Log.Warnf("[Orchestrator] failed to save insight | UserID: %s | Error: %v", userID, err)
			continue
		}
		if o.Vectors != nil {
			err := o.Vectors.Add(ctx, model.CollectionSemantic, []model.VectorRecord{{
				ID:       insight.ID,
				Document: insight.Text,
				Metadata: map[string]string{
					"user_id":           userID,
					"source_message_id": insight.SourceMessageID,
					"confidence":        fmt.Sprintf("%.2f", insight.Confidence),
				},
			}})
			if err != nil {
				log.Log.Warnf("[Orchestrator] failed to upsert semantic vector | UserID: %s | Error: %v", userID, err)
			}
		}
	}

	if o.Vectors != nil {
		turnText := fmt.Sprintf("User: %s\nAgent: %s", userText, replyText)
		err := o.Vectors.Add(ctx, model.CollectionEpisodic, []model.VectorRecord{{
			ID:       model.NewMessage(userID, sessionID, model.RoleUser, "").ID, // fresh id for this turn record
			Document: turnText,
			Metadata: map[string]string{
				"user_id":    userID,
				"session_id": sessionID,
				"type":       "turn",
			},
		}})
		if err != nil {
			log.Log.Warnf("[Orchestrator] failed to upsert episodic vector | UserID: %s | Error: %v", userID, err)
		}
	}

	if o.Condensation == nil {
		return
	}

	unlock := o.userLocks.Lock(userID)
	defer unlock()

	condensed, err := o.Condensation.MaybeCondense(ctx, userID)
	if err != nil {
		log.Log.Warnf("[Orchestrator] condensation failed | UserID: %s | Error: %v", userID, err)
		return
	}
	if !condensed {
		return
	}

	shouldRefresh, err := o.shouldRefreshProfile(ctx, userID)
	if err != nil {
		log.Log.Warnf("[Orchestrator] profile refresh check failed | UserID: %s | Error: %v", userID, err)
		return
	}
	if !shouldRefresh {
		return
	}

	if _, err := o.SynthesizeProfile(ctx, userID); err != nil {
		log.Log.Warnf("[Orchestrator] profile synthesis failed | UserID: %s | Error: %v", userID, err)
	}
}

// shouldRefreshProfile implements the post-turn profile-refresh
// criteria (spec.md §4.7): at least MinSummariesForProfile summaries
// total, and at least 2 created since the latest profile (or, with no
// profile yet, at least 2 total).
func (o *Orchestrator) shouldRefreshProfile(ctx context.Context, userID string) (bool, error) {
	summaries, err := o.Store.ListSummaries(ctx, userID, 0)
	if err != nil {
		return false, err
	}
	if len(summaries) < o.MinSummariesForProfile {
		return false, nil
	}

	profile, err := o.Store.LatestProfile(ctx, userID)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return len(summaries) >= 2, nil
		}
		return false, err
	}

	newSince := 0
	for _, s := range summaries {
		if s.CreatedAt.After(profile.CreatedAt) {
			newSince++
		}
	}
	return newSince >= 2, nil
}

// Analyze runs the on-demand analysis path: extract semantic insights
// from any unprocessed messages, run the condensation cascade, and
// synthesize a fresh profile via consensus. force skips the
// should-condense/should-refresh gates and runs every stage
// unconditionally.
func (o *Orchestrator) Analyze(ctx context.Context, userID string, force bool) (*model.Profile, error) {
	unlock := o.userLocks.Lock(userID)
	defer unlock()

	if err := o.processUnprocessedMessages(ctx, userID); err != nil {
		log.Log.Warnf("[Orchestrator] process unprocessed messages failed | UserID: %s | Error: %v", userID, err)
	}

	if o.Condensation != nil {
		if force {
			if _, err := o.Condensation.CondenseChunk(ctx, userID, mustUncondensed(ctx, o.Condensation, userID)); err != nil {
				log.Log.Warnf("[Orchestrator] forced condensation failed | UserID: %s | Error: %v", userID, err)
			}
		} else if _, err := o.Condensation.MaybeCondense(ctx, userID); err != nil {
			log.Log.Warnf("[Orchestrator] condensation failed | UserID: %s | Error: %v", userID, err)
		}
	}

	if !force {
		shouldRefresh, err := o.shouldRefreshProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !shouldRefresh {
			return o.Store.LatestProfile(ctx, userID)
		}
	}

	return o.SynthesizeProfile(ctx, userID)
}

func mustUncondensed(ctx context.Context, cond *condensation.Manager, userID string) []*model.Message {
	msgs, err := cond.GetUncondensedMessages(ctx, userID)
	if err != nil {
		return nil
	}
	return msgs
}

// processUnprocessedMessages extracts insights for every message that
// carries a PsychUpdate but has not yet been marked
// semantic_processed_at, persisting qualifying assertions and marking
// each message processed once done.
func (o *Orchestrator) processUnprocessedMessages(ctx context.Context, userID string) error {
	messages, err := o.Store.UnprocessedMessages(ctx, userID)
	if err != nil {
		return fmt.Errorf("orchestrator: list unprocessed messages: %w", err)
	}

	for _, msg := range messages {
		if msg.PsychUpdate != nil {
			for _, assertion := range msg.PsychUpdate.Assertions {
				if assertion.Confidence < 0.5 {
					continue
				}
				insight := model.NewSemanticInsight(userID, msg.ID, assertion)
				if err := o.Store.SaveInsight(ctx, insight); err != nil {
					log.Log.Warnf("[Orchestrator] failed to save insight | MessageID: %s | Error: %v", msg.ID, err)
					continue
				}
				if o.Vectors != nil {
					_ = o.Vectors.Add(ctx, model.CollectionSemantic, []model.VectorRecord{{
						ID:       insight.ID,
						Document: insight.Text,
						Metadata: map[string]string{
							"user_id":           userID,
							"source_message_id": msg.ID,
							"confidence":        fmt.Sprintf("%.2f", insight.Confidence),
						},
					}})
				}
			}
		}
		if err := o.Store.MarkMessageProcessed(ctx, msg.ID, time.Now().UTC()); err != nil {
			log.Log.Warnf("[Orchestrator] failed to mark message processed | MessageID: %s | Error: %v", msg.ID, err)
		}
	}
	return nil
}

// SynthesizeProfile gathers the user's insights and narrative summary
// and runs them through the consensus protocol to produce a new
// versioned Profile.
func (o *Orchestrator) SynthesizeProfile(ctx context.Context, userID string) (*model.Profile, error) {
	insights, err := o.Store.ListInsights(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list insights: %w", err)
	}

	var narrative []*model.CondensedSummary
	if o.Condensation != nil {
		narrative, _ = o.Condensation.GetContextSummaries(ctx, userID, o.Condensation.SummaryBudgetTokens)
	}

	sourceData := formatProfileSourceData(insights, narrative)
	prompt := profileSynthesisPrompt(sourceData)

	if o.Consensus == nil {
		text, err := o.Provider.Generate(ctx, []llmprovider.Message{{Role: "user", Content: prompt}}, llmprovider.GenerateOptions{
			Model:       o.MainModel,
			Temperature: 0.7,
			MaxTokens:   2000,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: generate profile: %w", err)
		}
		return o.Store.SaveProfile(ctx, userID, strings.TrimSpace(text), nil)
	}

	result, err := o.Consensus.ReachConsensus(ctx, consensus.Request{
		PromptName:   "profile_synthesis",
		Prompt:       prompt,
		OriginalData: sourceData,
		Temperature:  0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: profile consensus: %w", err)
	}

	logBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal profile consensus log: %w", err)
	}
	return o.Store.SaveProfile(ctx, userID, result.FinalOutput, logBytes)
}

func formatProfileSourceData(insights []*model.SemanticInsight, narrative []*model.CondensedSummary) string {
	var b strings.Builder
	if len(narrative) > 0 {
		b.WriteString("## Narrative History\n")
		for _, s := range narrative {
			b.WriteString(s.Body)
			b.WriteString("\n\n")
		}
	}
	if len(insights) > 0 {
		b.WriteString("## Known Insights\n")
		for _, in := range insights {
			fmt.Fprintf(&b, "- %s (confidence %.2f)\n", in.Text, in.Confidence)
		}
	}
	return b.String()
}

func profileSynthesisPrompt(sourceData string) string {
	return fmt.Sprintf(`Synthesize a concise narrative profile of this person from their conversation history below.
Capture recurring patterns, values, and growth areas. Write in prose, third person.

%s`, sourceData)
}

func (o *Orchestrator) llmTimeout() time.Duration {
	if o.Timeouts.LLM > 0 {
		return o.Timeouts.LLM
	}
	return 120 * time.Second
}

func (o *Orchestrator) vectorTimeout() time.Duration {
	if o.Timeouts.Vector > 0 {
		return o.Timeouts.Vector
	}
	return 15 * time.Second
}
