// Command emperor boots the persistent-memory agent runtime: it loads
// configuration, opens the relational and vector stores, wires the LLM
// providers behind the consensus protocol, and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/ghiac/emperor/condensation"
	"github.com/ghiac/emperor/config"
	"github.com/ghiac/emperor/consensus"
	"github.com/ghiac/emperor/guard"
	"github.com/ghiac/emperor/llmprovider"
	"github.com/ghiac/emperor/log"
	"github.com/ghiac/emperor/moderation"
	"github.com/ghiac/emperor/orchestrator"
	"github.com/ghiac/emperor/retrieval"
	"github.com/ghiac/emperor/server"
	"github.com/ghiac/emperor/store/storeopen"
	"github.com/ghiac/emperor/vectorstore/vectoropen"
)

func main() {
	configPath := flag.String("config", os.Getenv("EMPEROR_CONFIG"), "path to YAML config file")
	addr := flag.String("addr", envOr("EMPEROR_ADDR", ":8080"), "HTTP listen address")
	systemPromptPath := flag.String("system-prompt", os.Getenv("EMPEROR_SYSTEM_PROMPT_FILE"), "path to the persona system prompt template")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Log.Errorf("[main] failed to load configuration | Error: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()

	st, err := storeopen.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Log.Errorf("[main] failed to open relational store | Error: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	openaiKey := os.Getenv("OPENAI_API_KEY")
	openaiBaseURL := os.Getenv("OPENAI_BASE_URL")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	anthropicBaseURL := os.Getenv("ANTHROPIC_BASE_URL")

	var openaiLike llmprovider.Provider
	if openaiKey != "" {
		openaiLike = llmprovider.NewOpenAIProvider(openaiKey, openaiBaseURL)
	}
	var anthropicLike llmprovider.Provider
	if anthropicKey != "" {
		anthropicLike = llmprovider.NewAnthropicProvider(anthropicKey, anthropicBaseURL)
	}
	router := llmprovider.NewRouter(openaiLike, anthropicLike)

	vecEmbedder := routerEmbedder{router: router, model: cfg.Models.Light}
	vectors, err := vectoropen.Open(ctx, cfg.Database.URL, vecEmbedder)
	if err != nil {
		log.Log.Errorf("[main] failed to open vector store | Error: %v", err)
		os.Exit(1)
	}
	defer vectors.Close()

	proto := consensus.New(router, cfg.Models.Main, cfg.Models.Reviewer, cfg.Consensus.BetaThreshold, cfg.ConsensusLog.OutputFolder)

	condManager := condensation.New(st, router, cfg.Models.Main, proto,
		cfg.Condensation.HotBufferTokens, cfg.Condensation.ChunkThresholdTokens,
		cfg.Condensation.SummaryBudgetTokens, cfg.Condensation.UseConsensus)

	retriever := retrieval.New(st, vectors, vecEmbedder, condManager, router, cfg.Models.Light,
		cfg.Memory.MaxContextTokens, cfg.Condensation.SummaryBudgetTokens)

	persona := systemPromptText(*systemPromptPath)
	g := guard.New(persona, cfg.Guard.NgramSize, cfg.Guard.Threshold)

	mod := moderation.New(st, func(ctx context.Context, text string) (bool, error) {
		reply, err := router.Generate(ctx, []llmprovider.Message{{
			Role:    "user",
			Content: "Is the following user message nonsense/gibberish? Answer yes or no only.\n\n" + text,
		}}, llmprovider.GenerateOptions{Model: cfg.Models.Light, Temperature: 0, MaxTokens: 5})
		if err != nil {
			return false, err
		}
		return isAffirmative(reply), nil
	})

	orch := orchestrator.New(st, vectors, router, retriever, condManager, proto, g, mod,
		cfg.Models.Main, persona, cfg.Consensus.MinSummariesForProfile,
		orchestrator.Timeouts{LLM: cfg.Timeouts.LLM, Database: cfg.Timeouts.Database, Vector: cfg.Timeouts.Vector})

	srv := server.New(cfg, orch, st, nil)

	log.Log.Infof("[main] starting HTTP server | Addr: %s", *addr)
	if err := srv.ListenAndServe(*addr); err != nil {
		log.Log.Errorf("[main] HTTP server exited | Error: %v", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func systemPromptText(path string) string {
	const defaultPersona = "You are a thoughtful, patient companion who draws on stoic philosophy " +
		"to help the person you are speaking with reflect on their situation. {{profile}}"
	if path == "" {
		return defaultPersona
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Log.Warnf("[main] failed to read system prompt file, using default | Path: %s | Error: %v", path, err)
		return defaultPersona
	}
	return string(raw)
}

func isAffirmative(reply string) bool {
	for _, token := range []string{"yes", "Yes", "YES"} {
		if len(reply) >= len(token) && reply[:len(token)] == token {
			return true
		}
	}
	return false
}

// routerEmbedder adapts llmprovider.Router.Embed to vectorstore.Embedder.
type routerEmbedder struct {
	router *llmprovider.Router
	model  string
}

func (e routerEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.router.Embed(ctx, texts, e.model)
}
