package graph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburnlabs/agentrt/pkg/audit"
	"github.com/mindburnlabs/agentrt/pkg/canonicalize"
	"github.com/mindburnlabs/agentrt/pkg/eviction"
	"github.com/mindburnlabs/agentrt/pkg/risk"
	"github.com/mindburnlabs/agentrt/pkg/statestore"
	"github.com/mindburnlabs/agentrt/pkg/tokens"
)

// --- test oracles -----------------------------------------------------

type funcPlanner func(ctx context.Context, s *GraphState) ([]StepDescriptor, error)

func (f funcPlanner) ProposeStep(ctx context.Context, s *GraphState) ([]StepDescriptor, error) {
	return f(ctx, s)
}

type funcProposer func(ctx context.Context, s *GraphState) (string, map[string]any, error)

func (f funcProposer) ProposeTool(ctx context.Context, s *GraphState) (string, map[string]any, error) {
	return f(ctx, s)
}

type funcInvoker func(ctx context.Context, name string, args map[string]any) (string, error)

func (f funcInvoker) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	return f(ctx, name, args)
}

type funcComposer func(ctx context.Context, s *GraphState) (string, error)

func (f funcComposer) ComposeFinal(ctx context.Context, s *GraphState) (string, error) {
	return f(ctx, s)
}

func onePlan(desc string) funcPlanner {
	return func(_ context.Context, _ *GraphState) ([]StepDescriptor, error) {
		return []StepDescriptor{{Description: desc}}, nil
	}
}

func echoComposer() funcComposer {
	return func(_ context.Context, s *GraphState) (string, error) {
		if s.LastToolResult != nil && s.LastToolResult.Status == ToolResultSuccess {
			return "done: " + s.LastToolResult.Output, nil
		}
		return "failed", nil
	}
}

// --- test harness -------------------------------------------------------

type harness struct {
	rt       *Runtime
	audit    *audit.Log
	evict    *eviction.Store
	tokenMgr *tokens.Manager
	now      time.Time

	lastApprovalPayload string
}

// signApproval loads the persisted state for threadID (as the runtime
// itself would on the next turn), signs a fresh token for its pending
// approval, and returns (approval_id, token) ready to embed in an
// "APROBAR <id> <token>" message.
func (h *harness) signApproval(t *testing.T, threadID, userID string) (string, string) {
	t.Helper()
	state, err := h.rt.loadState(context.Background(), threadID, userID, "")
	require.NoError(t, err)
	require.True(t, state.AwaitingApproval, "expected a pending approval for %s", threadID)

	payload := state.ThreadID + ":" + state.UserID + ":" + state.ApprovalHash
	h.lastApprovalPayload = payload
	token, err := h.tokenMgr.Sign(payload)
	require.NoError(t, err)
	return state.ApprovalID, token
}

func newHarness(t *testing.T, planner StepPlanner, proposer ToolProposer, invoker ToolInvoker, riskCfg risk.Config) *harness {
	t.Helper()

	auditPath := t.TempDir() + "/audit.jsonl"
	al, err := audit.Open(auditPath, true)
	require.NoError(t, err)
	t.Cleanup(func() { al.Close() })

	ev, err := eviction.NewStore(t.TempDir())
	require.NoError(t, err)

	replay := tokens.NewInMemoryReplayStore()
	tm, err := tokens.NewManager([]byte("test-secret-value"), replay)
	require.NoError(t, err)

	h := &harness{audit: al, evict: ev, tokenMgr: tm, now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return h.now }
	tm.WithClock(clock)

	engine := risk.NewEngine(riskCfg)

	rt := NewRuntime(Deps{
		Planner:       planner,
		Proposer:      proposer,
		Invoker:       invoker,
		Composer:      echoComposer(),
		RiskEngine:    engine,
		TokenManager:  tm,
		AuditLog:      al,
		EvictionStore: ev,
		StateStore:    statestore.NewInMemoryStore(),
	}, Config{DevMode: true})
	rt.WithClock(clock)

	h.rt = rt
	return h
}

func readWorkspaceRiskConfig(root string) risk.Config {
	return risk.Config{
		WorkspaceRoot: root,
		ToolTiers: map[string]risk.Tier{
			"read_file": {Level: risk.LevelLow, Decision: risk.DecisionAllow, PathArgs: true},
			"send_email": {
				Level: risk.LevelMedium, Decision: risk.DecisionAuthRequired, WriteCapable: true,
			},
		},
		Honeyfiles:  map[string]bool{"admin_backup.json": true},
		Honeytokens: []string{"HONEY-TOKEN-XYZ"},
	}
}

// --- scenario 1: happy path ---------------------------------------------

func TestScenario_HappyPath(t *testing.T) {
	proposer := funcProposer(func(_ context.Context, _ *GraphState) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "README.md"}, nil
	})
	invoker := funcInvoker(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		return "# Title\ncontent", nil
	})

	h := newHarness(t, onePlan("read README.md"), proposer, invoker, readWorkspaceRiskConfig("/srv/work"))

	result, err := h.rt.Invoke(context.Background(), "thread-1", "user-1", "Read README.md", IntentTask)
	require.NoError(t, err)
	require.False(t, result.AwaitingApproval)
	require.NotEmpty(t, result.Messages)
	assert.Contains(t, result.Messages[len(result.Messages)-1].Content, "Title")
}

// --- scenario 2: HITL approval -------------------------------------------

func TestScenario_HITLApproval(t *testing.T) {
	invoked := false
	proposer := funcProposer(func(_ context.Context, _ *GraphState) (string, map[string]any, error) {
		return "send_email", map[string]any{"to": "boss@acme.com", "body": "hi"}, nil
	})
	invoker := funcInvoker(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		invoked = true
		return "sent", nil
	})

	h := newHarness(t, onePlan("email the boss"), proposer, invoker, readWorkspaceRiskConfig("/srv/work"))

	first, err := h.rt.Invoke(context.Background(), "thread-2", "user-1", "Send email to boss@acme.com", IntentTask)
	require.NoError(t, err)
	require.True(t, first.AwaitingApproval)
	require.False(t, invoked)

	id, token := h.signApproval(t, "thread-2", "user-1")

	second, err := h.rt.Invoke(context.Background(), "thread-2", "user-1", "APROBAR "+id+" "+token, IntentTask)
	require.NoError(t, err)
	require.False(t, second.AwaitingApproval)
	assert.True(t, invoked)
	assert.Contains(t, second.Messages[len(second.Messages)-1].Content, "sent")
}

// --- scenario 3: replay attack --------------------------------------------

func TestScenario_ReplayAttack(t *testing.T) {
	calls := 0
	proposer := funcProposer(func(_ context.Context, _ *GraphState) (string, map[string]any, error) {
		return "send_email", map[string]any{"to": "boss@acme.com", "body": "hi"}, nil
	})
	invoker := funcInvoker(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		calls++
		return "sent", nil
	})

	h := newHarness(t, onePlan("email the boss"), proposer, invoker, readWorkspaceRiskConfig("/srv/work"))

	_, err := h.rt.Invoke(context.Background(), "thread-3", "user-1", "Send email to boss@acme.com", IntentTask)
	require.NoError(t, err)

	id, token := h.signApproval(t, "thread-3", "user-1")
	approveMsg := "APROBAR " + id + " " + token

	_, err = h.rt.Invoke(context.Background(), "thread-3", "user-1", approveMsg, IntentTask)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// A second turn carrying the identical approval message: the thread is
	// no longer awaiting approval, so Router won't even reach
	// ApprovalHandler with it — but the scenario's actual guarantee is
	// narrower and lives entirely in the Token Manager: the same token
	// must never verify twice for the same payload.
	ok, err := h.tokenMgr.VerifyAndConsume(context.Background(), token, h.lastApprovalPayload, 300)
	require.NoError(t, err)
	assert.False(t, ok, "replayed token must not verify a second time")
	assert.Equal(t, 1, calls, "tool must not be invoked a second time by the replay")
}

// --- scenario 4: integrity tamper -----------------------------------------

func TestScenario_IntegrityTamper(t *testing.T) {
	invoked := false
	proposer := funcProposer(func(_ context.Context, _ *GraphState) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "README.md"}, nil
	})
	invoker := funcInvoker(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		invoked = true
		return "should not run", nil
	})

	h := newHarness(t, onePlan("read it"), proposer, invoker, readWorkspaceRiskConfig("/srv/work"))

	// Force an integrity mismatch by running RiskGate directly against a
	// ProposedTool whose recorded hash doesn't match its args — the shape
	// Executor would produce if coerced by a misbehaving oracle.
	state := NewGraphState("thread-4", "user-1", IntentTask)
	state.Plan = []StepDescriptor{{Description: "read it"}}
	state.StepStatus = map[int]StepStatus{0: StepPending}
	state.Tries = map[int]int{0: 1}
	state.ProposedTool = &ProposedTool{
		Name:          "read_file",
		Args:          map[string]any{"path": "README.md"},
		CanonicalArgs: `{"path":"tampered"}`,
		ArgsHash:      "0000000000000000000000000000000000000000000000000000000000000000",
		ToolCallID:    "abcdef123456",
	}

	next, err := riskGateNode(context.Background(), h.rt, state)
	require.NoError(t, err)
	assert.Equal(t, NodeInterpreter, next)
	assert.Nil(t, state.ProposedTool)
	require.NotNil(t, state.LastToolResult)
	assert.Equal(t, "IntegrityMismatch", state.LastToolResult.Reason)
	assert.False(t, invoked, "Tools must never run after an integrity mismatch")
}

// --- scenario 5: honeytoken -----------------------------------------------

func TestScenario_Honeytoken(t *testing.T) {
	invoked := false
	proposer := funcProposer(func(_ context.Context, _ *GraphState) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "admin_backup.json"}, nil
	})
	invoker := funcInvoker(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		invoked = true
		return "should not run", nil
	})

	h := newHarness(t, onePlan("read admin_backup.json"), proposer, invoker, readWorkspaceRiskConfig("/srv/work"))

	result, err := h.rt.Invoke(context.Background(), "thread-5", "user-1", "read admin_backup.json please", IntentTask)
	require.NoError(t, err)
	require.False(t, result.AwaitingApproval)
	assert.False(t, invoked, "honeyfile access must never reach Tools")
	assert.Contains(t, result.Messages[len(result.Messages)-1].Content, "failed")
}

// --- scenario 6: path escape -----------------------------------------------

func TestScenario_PathEscape(t *testing.T) {
	invoked := false
	proposer := funcProposer(func(_ context.Context, _ *GraphState) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "../../etc/passwd"}, nil
	})
	invoker := funcInvoker(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		invoked = true
		return "should not run", nil
	})

	h := newHarness(t, onePlan("read /etc/passwd"), proposer, invoker, readWorkspaceRiskConfig("/srv/work"))

	result, err := h.rt.Invoke(context.Background(), "thread-6", "user-1", "read ../../etc/passwd", IntentTask)
	require.NoError(t, err)
	assert.False(t, invoked, "path-escaping call must never reach Tools")
	assert.Contains(t, result.Messages[len(result.Messages)-1].Content, "failed")
}

// --- universal invariants --------------------------------------------------

func TestInvariant_ProposedToolClearedAfterInterpreter(t *testing.T) {
	proposer := funcProposer(func(_ context.Context, _ *GraphState) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "README.md"}, nil
	})
	invoker := funcInvoker(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		return "ok", nil
	})
	h := newHarness(t, onePlan("read"), proposer, invoker, readWorkspaceRiskConfig("/srv/work"))

	state := NewGraphState("thread-7", "user-1", IntentTask)
	state.Plan = []StepDescriptor{{Description: "read"}}
	state.StepStatus = map[int]StepStatus{0: StepPending}
	state.Tries = map[int]int{0: 1}
	state.LastToolResult = &ToolResult{Status: ToolResultSuccess, Output: "ok"}
	state.ProposedTool = &ProposedTool{Name: "read_file", Args: map[string]any{"path": "README.md"}}

	next, err := interpreterNode(context.Background(), h.rt, state)
	require.NoError(t, err)
	assert.Equal(t, NodeSupervisor, next)
	assert.Nil(t, state.ProposedTool)
}

func TestInvariant_ArgsHashMatchesCanonicalization(t *testing.T) {
	args := map[string]any{"path": "README.md", "mode": "r"}
	canonical, hash, err := canonicalize.CanonicalizeAndHash(args)
	require.NoError(t, err)

	pt := ProposedTool{Args: args, CanonicalArgs: string(canonical), ArgsHash: hash}
	recomputedCanonical, recomputedHash, err := canonicalize.CanonicalizeAndHash(pt.Args)
	require.NoError(t, err)
	assert.Equal(t, pt.CanonicalArgs, string(recomputedCanonical))
	assert.Equal(t, pt.ArgsHash, recomputedHash)
}

func TestInvariant_EvictedSizeCharsAndRehydration(t *testing.T) {
	big := strings.Repeat("x", 10_001)
	proposer := funcProposer(func(_ context.Context, _ *GraphState) (string, map[string]any, error) {
		return "read_file", map[string]any{"path": "README.md"}, nil
	})
	invoker := funcInvoker(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		return big, nil
	})
	h := newHarness(t, onePlan("read"), proposer, invoker, readWorkspaceRiskConfig("/srv/work"))

	result, err := h.rt.Invoke(context.Background(), "thread-8", "user-1", "read the giant file", IntentTask)
	require.NoError(t, err)
	require.NotEmpty(t, result.Messages)
	assert.Contains(t, result.Messages[len(result.Messages)-1].Content, "done")

	history, err := h.rt.GetHistory(context.Background(), "thread-8")
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestInvariant_StepFailsAfterMaxTries(t *testing.T) {
	attempts := 0
	proposer := funcProposer(func(_ context.Context, _ *GraphState) (string, map[string]any, error) {
		attempts++
		return "read_file", map[string]any{"path": "README.md"}, nil
	})
	invoker := funcInvoker(func(_ context.Context, _ string, _ map[string]any) (string, error) {
		return "", assertErr{}
	})
	h := newHarness(t, onePlan("read"), proposer, invoker, readWorkspaceRiskConfig("/srv/work"))

	_, err := h.rt.Invoke(context.Background(), "thread-9", "user-1", "read README.md", IntentTask)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "exactly 3 attempts before the step is marked failed")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
