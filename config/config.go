package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration tree (spec.md §6). Unknown YAML
// keys are ignored by yaml.v3's default unmarshal behavior.
type Config struct {
	Models       ModelsConfig       `yaml:"models"`
	Database     DatabaseConfig     `yaml:"database"`
	Memory       MemoryConfig       `yaml:"memory"`
	RAG          RAGConfig          `yaml:"rag"`
	Consensus    ConsensusConfig    `yaml:"aegean_consensus"`
	Condensation CondensationConfig `yaml:"condensation"`
	Guard        GuardConfig        `yaml:"guard"`
	Timeouts     TimeoutsConfig     `yaml:"timeouts"`
	ConsensusLog ConsensusLogConfig `yaml:"consensus_log"`
}

// ModelsConfig names the model tiers the consensus protocol and
// orchestrator pick between: main (provider A, persona generation),
// reviewer (provider B, cross-review), light (cheap query expansion).
type ModelsConfig struct {
	Main     string `yaml:"main"`
	Reviewer string `yaml:"reviewer"`
	Light    string `yaml:"light"`
}

// DatabaseConfig holds the single URL that drives both the relational
// store's and the vector store's backend selection (spec.md §6).
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// MemoryConfig bounds the recent-message window included verbatim in a
// turn's prompt context.
type MemoryConfig struct {
	MaxContextTokens int `yaml:"max_context_tokens"`
}

// RAGConfig controls retrieval chunking and the similarity cutoff used
// when filtering fan-out results.
type RAGConfig struct {
	ChunkSize          int     `yaml:"chunk_size"`
	ChunkOverlap       int     `yaml:"chunk_overlap"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// ConsensusConfig holds the Aegean consensus protocol's tunables.
type ConsensusConfig struct {
	BetaThreshold           int     `yaml:"beta_threshold"`
	AlphaQuorum             float64 `yaml:"alpha_quorum"`
	SessionsBetweenAnalysis int     `yaml:"sessions_between_analysis"`
	MinSummariesForProfile  int     `yaml:"min_summaries_for_profile"`
}

// CondensationConfig holds the condensation engine's three controlling
// token thresholds plus whether level condensation goes through consensus.
type CondensationConfig struct {
	HotBufferTokens     int  `yaml:"hot_buffer_tokens"`
	ChunkThresholdTokens int  `yaml:"chunk_threshold_tokens"`
	SummaryBudgetTokens  int  `yaml:"summary_budget_tokens"`
	UseConsensus         bool `yaml:"use_consensus"`
}

// GuardConfig holds the response guard's n-gram window and overlap
// threshold (spec.md §4.4).
type GuardConfig struct {
	NgramSize int     `yaml:"ngram_size"`
	Threshold float64 `yaml:"threshold"`
}

// TimeoutsConfig holds the per-operation timeout budgets from spec.md §5.
type TimeoutsConfig struct {
	LLM      time.Duration `yaml:"llm"`
	Database time.Duration `yaml:"database"`
	Vector   time.Duration `yaml:"vector"`
}

// ConsensusLogConfig points at the append-only sink for consensus audit
// documents (spec.md §4.5, §6).
type ConsensusLogConfig struct {
	OutputFolder string `yaml:"output_folder"`
}

// Defaults mirrors the defaults named throughout spec.md so a config file
// that omits a key still behaves per spec.
func Defaults() *Config {
	return &Config{
		Models: ModelsConfig{
			Main:     "gpt-4o",
			Reviewer: "claude-3-5-sonnet-20241022",
			Light:    "gpt-4o-mini",
		},
		Database: DatabaseConfig{URL: "sqlite:///./data/emperor.db"},
		Memory:   MemoryConfig{MaxContextTokens: 4000},
		RAG: RAGConfig{
			ChunkSize:           1000,
			ChunkOverlap:        200,
			SimilarityThreshold: 0.3,
		},
		Consensus: ConsensusConfig{
			BetaThreshold:           2,
			AlphaQuorum:             1.0,
			SessionsBetweenAnalysis: 1,
			MinSummariesForProfile:  3,
		},
		Condensation: CondensationConfig{
			HotBufferTokens:      4000,
			ChunkThresholdTokens: 8000,
			SummaryBudgetTokens:  12000,
			UseConsensus:         true,
		},
		Guard: GuardConfig{NgramSize: 5, Threshold: 0.3},
		Timeouts: TimeoutsConfig{
			LLM:      120 * time.Second,
			Database: 30 * time.Second,
			Vector:   15 * time.Second,
		},
		ConsensusLog: ConsensusLogConfig{OutputFolder: "./data/output/consensus_logs"},
	}
}

// Load reads a YAML config file at path, expands ${ENV}/${ENV:-default}
// references, and unmarshals onto a Defaults() base so missing keys keep
// their spec default. An empty path loads Defaults() untouched.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnv(raw)

	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// envRef matches ${VAR}, ${VAR:-default}, and $VAR.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnv substitutes ${VAR}/${VAR:-default}/$VAR references in data
// against the process environment. A var with no default that is unset
// expands to the empty string, matching shell semantics.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envRef.FindSubmatch(match)
		name := string(groups[1])
		defaultVal := ""
		hasDefault := len(groups[2]) > 0
		if hasDefault {
			defaultVal = string(groups[2][2:]) // strip ":-"
		}
		if name == "" {
			name = string(groups[3])
		}
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return []byte(defaultVal)
	})
}
