package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mindburnlabs/agentrt/pkg/audit"
	"github.com/mindburnlabs/agentrt/pkg/eviction"
	"github.com/mindburnlabs/agentrt/pkg/risk"
	"github.com/mindburnlabs/agentrt/pkg/statestore"
	"github.com/mindburnlabs/agentrt/pkg/tokens"
)

// Config carries the runtime's operational knobs (§6/§9 of the spec). Zero
// values are replaced with the documented defaults by NewRuntime.
type Config struct {
	MaxTries           int
	ApprovalTTLSeconds int64
	ToolTimeout        time.Duration
	DevMode            bool
}

func (c Config) withDefaults() Config {
	if c.MaxTries <= 0 {
		c.MaxTries = 3
	}
	if c.ApprovalTTLSeconds <= 0 {
		c.ApprovalTTLSeconds = 300
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	return c
}

// Runtime wires every supporting package into the flat dispatch table and
// drives one graph turn to completion or suspension. It follows
// kernelruntime.Runtime's single-struct-plus-constructor-plus-methods shape.
type Runtime struct {
	planner   StepPlanner
	proposer  ToolProposer
	toolInvoker ToolInvoker
	composer  AssistantComposer

	riskEngine    *risk.Engine
	tokenManager  *tokens.Manager
	auditLog      *audit.Log
	evictionStore *eviction.Store
	stateStore    statestore.Store
	threadLock    ThreadLock

	cfg   Config
	clock func() time.Time

	dispatch map[NodeID]NodeFunc

	quarantineMu sync.Mutex
	quarantined  map[string]bool
}

// Deps bundles every collaborator NewRuntime needs. All fields are
// required except those explicitly noted.
type Deps struct {
	Planner  StepPlanner
	Proposer ToolProposer
	Invoker  ToolInvoker
	Composer AssistantComposer

	RiskEngine    *risk.Engine
	TokenManager  *tokens.Manager
	AuditLog      *audit.Log
	EvictionStore *eviction.Store
	StateStore    statestore.Store
	ThreadLock    ThreadLock // optional: defaults to NewInMemoryThreadLock()
}

// NewRuntime constructs a Runtime ready to serve Invoke/Cancel/GetHistory.
func NewRuntime(deps Deps, cfg Config) *Runtime {
	lock := deps.ThreadLock
	if lock == nil {
		lock = NewInMemoryThreadLock()
	}
	rt := &Runtime{
		planner:       deps.Planner,
		proposer:      deps.Proposer,
		toolInvoker:   deps.Invoker,
		composer:      deps.Composer,
		riskEngine:    deps.RiskEngine,
		tokenManager:  deps.TokenManager,
		auditLog:      deps.AuditLog,
		evictionStore: deps.EvictionStore,
		stateStore:    deps.StateStore,
		threadLock:    lock,
		cfg:           cfg.withDefaults(),
		clock:         time.Now,
		quarantined:   make(map[string]bool),
	}
	rt.dispatch = defaultDispatch()
	return rt
}

// WithClock overrides the runtime's clock, for deterministic tests.
func (rt *Runtime) WithClock(clock func() time.Time) *Runtime {
	rt.clock = clock
	return rt
}

// Invoke drives a single turn of thread_id to completion or suspension,
// persisting the resulting state under the per-thread lock (§5: the lock
// must be held for the full load-run-save cycle).
func (rt *Runtime) Invoke(ctx context.Context, threadID, userID, message string, intent Intent) (*Result, error) {
	if rt.isQuarantined(threadID) {
		return nil, ErrThreadQuarantined
	}

	rt.threadLock.Lock(threadID)
	defer rt.threadLock.Unlock(threadID)

	state, err := rt.loadState(ctx, threadID, userID, intent)
	if err != nil {
		if errors.Is(err, ErrStateCorruption) {
			rt.quarantine(threadID)
		}
		return nil, err
	}
	if state.Cancelled {
		return nil, ErrThreadCancelled
	}

	if intent != "" {
		state.Intent = intent
	}
	state.Messages = append(state.Messages, Message{Role: RoleUser, Content: message})
	producedFrom := len(state.Messages)

	node := NodeRouter
	for node != NodeEND {
		fn, ok := rt.dispatch[node]
		if !ok {
			return nil, fmt.Errorf("graph: no handler registered for node %q", node)
		}
		next, err := fn(ctx, rt, state)
		if err != nil {
			return nil, err
		}
		node = next
	}

	if err := rt.saveState(ctx, state); err != nil {
		return nil, err
	}

	return &Result{
		Messages:         append([]Message(nil), state.Messages[producedFrom:]...),
		AwaitingApproval: state.AwaitingApproval,
	}, nil
}

// Cancel marks thread_id cancelled. Administrative cancellation is
// terminal: no further turn will be routed for this thread.
func (rt *Runtime) Cancel(ctx context.Context, threadID string) error {
	rt.threadLock.Lock(threadID)
	defer rt.threadLock.Unlock(threadID)

	raw, err := rt.stateStore.Load(ctx, threadID)
	if err != nil {
		return err
	}
	var state GraphState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("%w: %v", ErrStateCorruption, err)
	}
	state.Cancelled = true

	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("graph: marshal state: %w", err)
	}
	return rt.stateStore.Save(ctx, threadID, snapshot)
}

// GetHistory returns the ordered transcript for thread_id.
func (rt *Runtime) GetHistory(ctx context.Context, threadID string) ([]Message, error) {
	raw, err := rt.stateStore.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var state GraphState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorruption, err)
	}
	return state.Messages, nil
}

func (rt *Runtime) loadState(ctx context.Context, threadID, userID string, intent Intent) (*GraphState, error) {
	raw, err := rt.stateStore.Load(ctx, threadID)
	if errors.Is(err, statestore.ErrNotFound) {
		return NewGraphState(threadID, userID, intent), nil
	}
	if err != nil {
		return nil, err
	}

	var state GraphState
	if err := json.Unmarshal(raw, &state); err != nil {
		rt.auditLog.Append(audit.Entry{
			ThreadID: threadID,
			UserID:   userID,
			Kind:     audit.KindStateCorruption,
			Reason:   err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrStateCorruption, err)
	}
	return &state, nil
}

func (rt *Runtime) saveState(ctx context.Context, state *GraphState) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("graph: marshal state: %w", err)
	}
	return rt.stateStore.Save(ctx, state.ThreadID, snapshot)
}

func (rt *Runtime) isQuarantined(threadID string) bool {
	rt.quarantineMu.Lock()
	defer rt.quarantineMu.Unlock()
	return rt.quarantined[threadID]
}

func (rt *Runtime) quarantine(threadID string) {
	rt.quarantineMu.Lock()
	defer rt.quarantineMu.Unlock()
	rt.quarantined[threadID] = true
}

// audit appends an entry to both the durable audit log and the state's
// compact in-memory trail, and never fails the turn on a logging error —
// audit persistence failures are themselves a gap the caller's own
// observability stack should surface, not a reason to abort a turn already
// past its policy checkpoint.
func (rt *Runtime) audit(s *GraphState, node NodeID, kind audit.Kind, reason string) {
	s.appendAudit(string(node), string(kind), reason, rt.clock)
	_ = rt.auditLog.Append(audit.Entry{
		ThreadID: s.ThreadID,
		UserID:   s.UserID,
		Kind:     kind,
		Reason:   reason,
	})
}

func (rt *Runtime) auditDecision(s *GraphState, pt *ProposedTool, decision risk.RiskDecision) {
	kind := audit.KindRiskDecision
	if decision.Reason == "HONEYTOKEN_TRIGGERED" {
		kind = audit.KindHoneytoken
	}
	s.appendAudit(string(NodeRiskGate), string(kind), decision.Reason, rt.clock)
	_ = rt.auditLog.Append(audit.Entry{
		ThreadID: s.ThreadID,
		UserID:   s.UserID,
		Kind:     kind,
		ToolName: pt.Name,
		ArgsHash: pt.ArgsHash,
		Decision: string(decision.Decision),
		Reason:   decision.Reason,
	})
}

func (rt *Runtime) auditTool(s *GraphState, pt *ProposedTool, outcome string) {
	s.appendAudit(string(NodeTools), string(audit.KindToolInvocation), outcome, rt.clock)
	_ = rt.auditLog.Append(audit.Entry{
		ThreadID: s.ThreadID,
		UserID:   s.UserID,
		Kind:     audit.KindToolInvocation,
		ToolName: pt.Name,
		ArgsHash: pt.ArgsHash,
		Decision: outcome,
	})
}
