// Command agentrt wires the Graph Runtime and its supporting stores behind
// a minimal in-process driver, exercising Invoke/Cancel/GetHistory against
// stub oracles and a stub tool substrate. There is no HTTP ingress here —
// spec.md's Non-goals exclude a wire protocol; this binary exists to prove
// the runtime end-to-end the way a local demo would.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/lib/pq"

	"github.com/mindburnlabs/agentrt/internal/config"
	"github.com/mindburnlabs/agentrt/pkg/audit"
	"github.com/mindburnlabs/agentrt/pkg/eviction"
	"github.com/mindburnlabs/agentrt/pkg/graph"
	"github.com/mindburnlabs/agentrt/pkg/risk"
	"github.com/mindburnlabs/agentrt/pkg/statestore"
	"github.com/mindburnlabs/agentrt/pkg/tokens"
)

func main() {
	cfg := config.Load()
	logger := slog.Default().With("component", "agentrt")

	if err := run(cfg, logger); err != nil {
		logger.Error("agentrt: fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	auditLog, err := audit.Open("./agentrt-audit.jsonl", true)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	evictionStore, err := eviction.NewStore("./agentrt-eviction")
	if err != nil {
		return fmt.Errorf("open eviction store: %w", err)
	}

	var replay tokens.ReplayStore = tokens.NewInMemoryReplayStore()
	var threadLock graph.ThreadLock
	if cfg.ReplayStore == "redis" {
		logger.Info("agentrt: using redis replay store and distributed thread lock", "addr", cfg.RedisAddr)
		redisReplay := tokens.NewRedisReplayStore(cfg.RedisAddr, "", 0)
		defer redisReplay.Close()
		replay = redisReplay
		threadLock = graph.NewRedisThreadLock(cfg.RedisAddr, "", 0, 0, 0)
	}
	hmacSecret := cfg.HMACSecret
	if hmacSecret == "" {
		logger.Warn("agentrt: HMAC_SECRET unset, using an insecure demo secret")
		hmacSecret = "demo-only-insecure-secret"
	}
	tokenManager, err := tokens.NewManager([]byte(hmacSecret), replay)
	if err != nil {
		return fmt.Errorf("construct token manager: %w", err)
	}

	riskEngine := risk.NewEngine(demoRiskConfig(cfg.WorkspaceRoot))

	var stateStore statestore.Store = statestore.NewInMemoryStore()
	if cfg.StateStoreDSN != "" {
		db, err := sql.Open("postgres", cfg.StateStoreDSN)
		if err != nil {
			return fmt.Errorf("open postgres state store: %w", err)
		}
		defer db.Close()
		if _, err := db.ExecContext(ctx, statestore.Schema); err != nil {
			return fmt.Errorf("apply state store schema: %w", err)
		}
		stateStore = statestore.NewPostgresStore(db)
		logger.Info("agentrt: using postgres state store")
	}

	rt := graph.NewRuntime(graph.Deps{
		Planner:       stubPlanner{},
		Proposer:      stubProposer{},
		Invoker:       stubInvoker{},
		Composer:      stubComposer{},
		RiskEngine:    riskEngine,
		TokenManager:  tokenManager,
		AuditLog:      auditLog,
		EvictionStore: evictionStore,
		StateStore:    stateStore,
		ThreadLock:    threadLock,
	}, graph.Config{
		MaxTries:           cfg.MaxTries,
		ApprovalTTLSeconds: cfg.ApprovalTTLSeconds,
		DevMode:            cfg.DevMode,
	})

	threadID := "demo-thread-1"
	result, err := rt.Invoke(ctx, threadID, "demo-user", "please read the quarterly report", graph.IntentTask)
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}
	for _, m := range result.Messages {
		logger.Info("agentrt: assistant", "content", m.Content)
	}

	history, err := rt.GetHistory(ctx, threadID)
	if err != nil {
		return fmt.Errorf("get history: %w", err)
	}
	logger.Info("agentrt: turn complete", "messages", len(history))
	return nil
}

func demoRiskConfig(workspaceRoot string) risk.Config {
	return risk.Config{
		WorkspaceRoot: workspaceRoot,
		ToolTiers: map[string]risk.Tier{
			"read_file": {Level: risk.LevelLow, Decision: risk.DecisionAllow, PathArgs: true},
			"write_file": {
				Level: risk.LevelHigh, Decision: risk.DecisionAuthRequired,
				WriteCapable: true, PathArgs: true,
			},
		},
	}
}

// stubPlanner, stubProposer, stubInvoker, and stubComposer are fixed
// single-step oracles standing in for an LLM-backed reasoning layer, which
// is outside this spec's scope.
type stubPlanner struct{}

func (stubPlanner) ProposeStep(_ context.Context, _ *graph.GraphState) ([]graph.StepDescriptor, error) {
	return []graph.StepDescriptor{{Description: "read the requested file"}}, nil
}

type stubProposer struct{}

func (stubProposer) ProposeTool(_ context.Context, _ *graph.GraphState) (string, map[string]any, error) {
	return "read_file", map[string]any{"path": "reports/quarterly.txt"}, nil
}

type stubInvoker struct{}

func (stubInvoker) Invoke(_ context.Context, _ string, _ map[string]any) (string, error) {
	return "Q3 revenue grew 12% year over year.", nil
}

type stubComposer struct{}

func (stubComposer) ComposeFinal(_ context.Context, s *graph.GraphState) (string, error) {
	if s.LastToolResult != nil && s.LastToolResult.Status == graph.ToolResultSuccess {
		return "Here's what I found: " + s.LastToolResult.Output, nil
	}
	return "I wasn't able to complete that.", nil
}
