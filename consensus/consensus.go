// Package consensus is the Aegean-style dual-model adversarial consensus
// protocol of spec.md §4.5: independent generation from two models,
// cross-review of each other's output, a consecutive-approval counter
// gating agreement, a merge-by-reviewer-strengths tie-break, a stability
// score, and a JSON audit log per run. Grounded directly on
// original_source/src/core/aegean_consensus.py.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghiac/emperor/llmprovider"
	"github.com/ghiac/emperor/model"
)

// Protocol runs consensus rounds between two named models over a shared
// provider (llmprovider.Router routes each Generate call by model name).
type Protocol struct {
	Provider      llmprovider.Provider
	ModelA        string
	ModelB        string
	BetaThreshold int // consecutive approvals required; also the default round cap
	OutputFolder  string

	// UseModelAOnFailure mirrors the Python default: when max rounds are
	// exhausted without consensus, fall back to the last round's model A
	// output instead of emitting a manual-review placeholder document.
	UseModelAOnFailure bool
}

// New builds a Protocol with UseModelAOnFailure defaulted to true, the
// Python source's default.
func New(provider llmprovider.Provider, modelA, modelB string, betaThreshold int, outputFolder string) *Protocol {
	return &Protocol{
		Provider:           provider,
		ModelA:             modelA,
		ModelB:             modelB,
		BetaThreshold:      betaThreshold,
		OutputFolder:       outputFolder,
		UseModelAOnFailure: true,
	}
}

// Request is one consensus run's input. Prompt is the fully-rendered
// generation prompt (both models see the same prompt each round); Go
// callers render their own templates instead of the Python source's
// prompts.yaml + str.format indirection, keeping prompt text local to
// the domain package that owns it (condensation, orchestrator).
type Request struct {
	PromptName         string
	Prompt             string
	Context            string
	OriginalData       string // truncated to 2000 runes in the review prompt, as in the source
	CriticalConstructs []string
	Temperature        float64
	MaxRounds          int // 0 means BetaThreshold
}

// ReachConsensus runs the round loop and returns the final result,
// writing a JSON audit log to OutputFolder before returning.
func (p *Protocol) ReachConsensus(ctx context.Context, req Request) (*model.ConsensusResult, error) {
	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = p.BetaThreshold
	}

	var (
		rounds              []model.ConsensusRound
		reached             bool
		finalOutput         string
		consecutiveApproved int
		prompt              = req.Prompt
	)

	for roundNum := 1; roundNum <= maxRounds; roundNum++ {
		outputA, err := p.generate(ctx, p.ModelA, prompt, req.Temperature)
		if err != nil {
			return nil, fmt.Errorf("consensus: generate model A: %w", err)
		}
		outputB, err := p.generate(ctx, p.ModelB, prompt, req.Temperature)
		if err != nil {
			return nil, fmt.Errorf("consensus: generate model B: %w", err)
		}

		reviewAOfB, err := p.review(ctx, p.ModelA, outputB, req.CriticalConstructs, req.OriginalData)
		if err != nil {
			return nil, fmt.Errorf("consensus: review by model A: %w", err)
		}
		reviewBOfA, err := p.review(ctx, p.ModelB, outputA, req.CriticalConstructs, req.OriginalData)
		if err != nil {
			return nil, fmt.Errorf("consensus: review by model B: %w", err)
		}

		current := model.ConsensusRound{
			RoundNumber: roundNum,
			OutputA:     outputA,
			OutputB:     outputB,
			ReviewAOfB:  reviewAOfB,
			ReviewBOfA:  reviewBOfA,
			Timestamp:   time.Now().UTC(),
		}

		aApproves := reviewBOfA.Approved
		bApproves := reviewAOfB.Approved

		if aApproves && bApproves {
			consecutiveApproved++
			current.Reached = true

			if consecutiveApproved >= p.BetaThreshold {
				reached = true
				finalOutput = mergeOutputs(outputA, outputB, reviewAOfB, reviewBOfA)
				rounds = append(rounds, current)
				break
			}
		} else {
			consecutiveApproved = 0
			current.Reached = false
		}

		rounds = append(rounds, current)

		if roundNum < maxRounds && !reached {
			prompt = withFeedback(prompt, reviewAOfB, reviewBOfA)
		}
	}

	if !reached {
		if p.UseModelAOnFailure {
			if len(rounds) > 0 {
				finalOutput = rounds[len(rounds)-1].OutputA
			}
		} else {
			finalOutput = noConsensusOutput(p.ModelA, p.ModelB, rounds)
		}
	}

	result := &model.ConsensusResult{
		FinalOutput:    finalOutput,
		Reached:        reached,
		Rounds:         rounds,
		ModelA:         p.ModelA,
		ModelB:         p.ModelB,
		StabilityScore: stabilityScore(rounds),
		CriticalFlags:  criticalDisagreements(rounds, req.CriticalConstructs),
		Metadata: map[string]any{
			"rounds_needed": len(rounds),
			"max_rounds":    maxRounds,
		},
	}

	if err := p.logConsensus(result, req.PromptName); err != nil {
		return result, fmt.Errorf("consensus: write audit log: %w", err)
	}
	return result, nil
}

func (p *Protocol) generate(ctx context.Context, modelName, prompt string, temperature float64) (string, error) {
	text, err := p.Provider.Generate(ctx, []llmprovider.Message{{Role: "user", Content: prompt}}, llmprovider.GenerateOptions{
		Model:       modelName,
		Temperature: temperature,
		MaxTokens:   4000,
	})
	return strings.TrimSpace(text), err
}

func (p *Protocol) review(ctx context.Context, modelName, outputToReview string, criticalConstructs []string, originalData string) (*model.Review, error) {
	truncatedData := originalData
	if runes := []rune(truncatedData); len(runes) > 2000 {
		truncatedData = string(runes[:2000])
	}
	if truncatedData == "" {
		truncatedData = "Not provided"
	}

	constructsLine := "general quality"
	if len(criticalConstructs) > 0 {
		constructsLine = strings.Join(criticalConstructs, ", ")
	}

	reviewPrompt := fmt.Sprintf(`Review the following analysis for accuracy and completeness.

Analysis to review:
%s

Original source data:
%s

Critical areas to check: %s

Respond with JSON:
{
  "approved": true/false,
  "strengths": ["strength 1", ...],
  "concerns": [{"issue": "...", "severity": "minor/moderate/critical"}],
  "reasoning": "Brief explanation"
}`, outputToReview, truncatedData, constructsLine)

	text, err := p.Provider.Generate(ctx, []llmprovider.Message{{Role: "user", Content: reviewPrompt}}, llmprovider.GenerateOptions{
		Model:       modelName,
		Temperature: 0.3,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, err
	}

	return parseReview(strings.TrimSpace(text)), nil
}

// parseReview extracts the first balanced-looking JSON object (first '{'
// to last '}') and parses it, falling back to an unapproved review
// carrying the raw text as Reasoning when parsing fails — exactly the
// source's try/except around json.loads.
func parseReview(text string) *model.Review {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end != -1 && end > start {
		var review model.Review
		if err := json.Unmarshal([]byte(text[start:end+1]), &review); err == nil {
			return &review
		}
	}
	return &model.Review{Approved: false, Reasoning: text}
}

// mergeOutputs picks the output whose reviewer gave it more strengths;
// ties go to A (spec §9 open question (b)).
func mergeOutputs(outputA, outputB string, reviewAOfB, reviewBOfA *model.Review) string {
	strengthsA := len(reviewBOfA.Strengths)
	strengthsB := len(reviewAOfB.Strengths)
	if strengthsA >= strengthsB {
		return outputA
	}
	return outputB
}

func withFeedback(prompt string, reviewAOfB, reviewBOfA *model.Review) string {
	return fmt.Sprintf("%s\n\nFeedback from the previous round: %s | %s",
		prompt, reviewAOfB.Reasoning, reviewBOfA.Reasoning)
}

func noConsensusOutput(modelA, modelB string, rounds []model.ConsensusRound) string {
	if len(rounds) == 0 {
		return ""
	}
	last := rounds[len(rounds)-1]
	return fmt.Sprintf("# Analysis - Manual Review Required\n\n## Model A (%s)\n%s\n\n## Model B (%s)\n%s\n",
		modelA, last.OutputA, modelB, last.OutputB)
}

func stabilityScore(rounds []model.ConsensusRound) float64 {
	if len(rounds) == 0 {
		return 0
	}
	reached := 0
	for _, r := range rounds {
		if r.Reached {
			reached++
		}
	}
	return float64(reached) / float64(len(rounds))
}

func criticalDisagreements(rounds []model.ConsensusRound, criticalConstructs []string) []string {
	if len(rounds) == 0 || len(criticalConstructs) == 0 {
		return nil
	}
	last := rounds[len(rounds)-1]

	var concerns []model.ReviewConcern
	if last.ReviewAOfB != nil {
		concerns = append(concerns, last.ReviewAOfB.Concerns...)
	}
	if last.ReviewBOfA != nil {
		concerns = append(concerns, last.ReviewBOfA.Concerns...)
	}

	var flags []string
	for _, construct := range criticalConstructs {
		for _, concern := range concerns {
			if strings.Contains(strings.ToLower(concern.Issue), strings.ToLower(construct)) {
				flags = append(flags, "Critical disagreement: "+construct)
				break
			}
		}
	}
	return flags
}

// logConsensus writes "{prompt_name}_{UTC timestamp}.json" to
// OutputFolder, matching aegean_consensus.py::_log_consensus's filename
// convention and document shape.
func (p *Protocol) logConsensus(result *model.ConsensusResult, promptName string) error {
	if err := os.MkdirAll(p.OutputFolder, 0o755); err != nil {
		return err
	}

	now := time.Now().UTC()
	logID := fmt.Sprintf("%s_%s", promptName, now.Format("20060102_150405"))

	entry := model.ConsensusLogEntry{
		LogID:          logID,
		Timestamp:      now,
		Reached:        result.Reached,
		Rounds:         len(result.Rounds),
		ModelA:         result.ModelA,
		ModelB:         result.ModelB,
		StabilityScore: result.StabilityScore,
		CriticalFlags:  result.CriticalFlags,
		Metadata:       result.Metadata,
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(p.OutputFolder, logID+".json")
	return os.WriteFile(path, data, 0o644)
}
