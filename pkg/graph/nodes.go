package graph

import (
	"context"
	"fmt"
	"regexp"

	"github.com/mindburnlabs/agentrt/pkg/canonicalize"
	"github.com/mindburnlabs/agentrt/pkg/eviction"
	"github.com/mindburnlabs/agentrt/pkg/risk"
)

// NodeID identifies one node in the flat dispatch table. END is the
// sentinel a node returns to terminate the current turn.
type NodeID string

const (
	NodeRouter          NodeID = "Router"
	NodePlanner         NodeID = "Planner"
	NodeSupervisor      NodeID = "Supervisor"
	NodeExecutor        NodeID = "Executor"
	NodeRiskGate        NodeID = "RiskGate"
	NodeAwaitApproval   NodeID = "AwaitApproval"
	NodeApprovalHandler NodeID = "ApprovalHandler"
	NodeTools           NodeID = "Tools"
	NodeInterpreter     NodeID = "Interpreter"
	NodeFinalizer       NodeID = "Finalizer"
	NodeEND             NodeID = "END"
)

// NodeFunc is the pure-function shape every node implements: given the
// current state (mutated in place) it returns the next node to dispatch.
type NodeFunc func(ctx context.Context, rt *Runtime, s *GraphState) (NodeID, error)

var approvePattern = regexp.MustCompile(`^APROBAR ([A-Za-z0-9_-]{6,}) ([A-Za-z0-9_-]{6,})$`)
var rejectPattern = regexp.MustCompile(`^RECHAZAR ([A-Za-z0-9_-]{6,})$`)

func defaultDispatch() map[NodeID]NodeFunc {
	return map[NodeID]NodeFunc{
		NodeRouter:          routerNode,
		NodePlanner:         plannerNode,
		NodeSupervisor:      supervisorNode,
		NodeExecutor:        executorNode,
		NodeRiskGate:        riskGateNode,
		NodeAwaitApproval:   awaitApprovalNode,
		NodeApprovalHandler: approvalHandlerNode,
		NodeTools:           toolsNode,
		NodeInterpreter:     interpreterNode,
		NodeFinalizer:       finalizerNode,
	}
}

func lastUserMessage(s *GraphState) string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].Content
}

func routerNode(_ context.Context, _ *Runtime, s *GraphState) (NodeID, error) {
	last := lastUserMessage(s)

	if s.AwaitingApproval {
		if approvePattern.MatchString(last) || rejectPattern.MatchString(last) {
			return NodeApprovalHandler, nil
		}
		return NodeSupervisor, nil
	}

	if s.Intent == IntentConversation {
		return NodeFinalizer, nil
	}
	if s.Intent == IntentTask {
		if len(s.Plan) == 0 {
			return NodePlanner, nil
		}
		return NodeSupervisor, nil
	}
	return NodeSupervisor, nil
}

func plannerNode(ctx context.Context, rt *Runtime, s *GraphState) (NodeID, error) {
	steps, err := rt.planner.ProposeStep(ctx, s)
	if err != nil || len(steps) == 0 {
		rt.audit(s, NodePlanner, "oracle_failure", "OracleFailure")
		s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: "I wasn't able to plan this task."})
		return NodeFinalizer, nil
	}

	s.Plan = steps
	s.CurrentStep = 0
	s.StepStatus = make(map[int]StepStatus, len(steps))
	s.Tries = make(map[int]int, len(steps))
	for i := range steps {
		s.StepStatus[i] = StepPending
		s.Tries[i] = 0
	}
	rt.audit(s, NodePlanner, "plan_created", "")
	return NodeSupervisor, nil
}

func supervisorNode(_ context.Context, rt *Runtime, s *GraphState) (NodeID, error) {
	if len(s.Plan) == 0 {
		return NodeFinalizer, nil
	}

	if s.StepStatus[s.CurrentStep] == StepDone {
		s.CurrentStep++
		if s.CurrentStep >= len(s.Plan) {
			return NodeFinalizer, nil
		}
		return NodeSupervisor, nil
	}

	if s.Tries[s.CurrentStep] >= rt.cfg.MaxTries {
		s.StepStatus[s.CurrentStep] = StepFailed
		rt.audit(s, NodeSupervisor, "step_exhausted", "MaxTriesExceeded")
		return NodeFinalizer, nil
	}

	s.Tries[s.CurrentStep]++
	return NodeExecutor, nil
}

func executorNode(ctx context.Context, rt *Runtime, s *GraphState) (NodeID, error) {
	name, args, err := rt.proposer.ProposeTool(ctx, s)
	if err != nil {
		s.StepStatus[s.CurrentStep] = StepFailed
		s.LastToolResult = &ToolResult{Status: ToolResultFailed, Reason: "OracleFailure"}
		rt.audit(s, NodeExecutor, "oracle_failure", "OracleFailure")
		return NodeSupervisor, nil
	}

	canonical, hash, err := canonicalize.CanonicalizeAndHash(args)
	if err != nil {
		s.StepStatus[s.CurrentStep] = StepFailed
		s.LastToolResult = &ToolResult{Status: ToolResultFailed, Reason: "IntegrityMismatch"}
		rt.audit(s, NodeExecutor, "integrity_error", err.Error())
		return NodeSupervisor, nil
	}

	toolCallID, err := NewToolCallID()
	if err != nil {
		return NodeSupervisor, fmt.Errorf("graph: generate tool_call_id: %w", err)
	}

	s.ProposedTool = &ProposedTool{
		Name:          name,
		Args:          args,
		CanonicalArgs: string(canonical),
		ArgsHash:      hash,
		ToolCallID:    toolCallID,
		StepIdx:       s.CurrentStep,
		CreatedAt:     rt.clock().Unix(),
	}
	return NodeRiskGate, nil
}

// riskGateNode is the zero-trust chokepoint: it never trusts the
// Executor's self-reported canonical_args/args_hash, recomputing both
// independently before consulting the Risk Engine.
func riskGateNode(_ context.Context, rt *Runtime, s *GraphState) (NodeID, error) {
	pt := s.ProposedTool
	if pt == nil {
		return NodeInterpreter, fmt.Errorf("graph: RiskGate reached with no proposed tool")
	}

	canonical, hash, err := canonicalize.CanonicalizeAndHash(pt.Args)
	if err != nil || string(canonical) != pt.CanonicalArgs || hash != pt.ArgsHash {
		s.LastToolResult = &ToolResult{Status: ToolResultFailed, Reason: "IntegrityMismatch"}
		s.ProposedTool = nil
		rt.audit(s, NodeRiskGate, "integrity_mismatch", "IntegrityMismatch")
		return NodeInterpreter, nil
	}

	decision := rt.riskEngine.Evaluate(pt.Name, pt.Args, string(canonical))
	rt.auditDecision(s, pt, decision)

	switch decision.Decision {
	case risk.DecisionBlocked:
		s.LastToolResult = &ToolResult{Status: ToolResultFailed, Reason: decision.Reason}
		s.ProposedTool = nil
		return NodeInterpreter, nil
	case risk.DecisionAuthRequired:
		approvalID, err := NewApprovalID()
		if err != nil {
			return NodeInterpreter, fmt.Errorf("graph: generate approval_id: %w", err)
		}
		s.ApprovalID = approvalID
		s.ApprovalHash = hash
		s.ApprovalExpiresAt = rt.clock().Unix() + rt.cfg.ApprovalTTLSeconds
		s.AwaitingApproval = true
		return NodeAwaitApproval, nil
	default: // Allow
		return NodeTools, nil
	}
}

func awaitApprovalNode(_ context.Context, rt *Runtime, s *GraphState) (NodeID, error) {
	msg := fmt.Sprintf("Approval required (id=%s). Reply \"APROBAR %s <token>\" to proceed or \"RECHAZAR %s\" to cancel.",
		s.ApprovalID, s.ApprovalID, s.ApprovalID)

	if rt.cfg.DevMode {
		payload := approvalPayload(s)
		token, err := rt.tokenManager.Sign(payload)
		if err == nil {
			msg += fmt.Sprintf(" (dev token: %s)", token)
		}
	}

	s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: msg})
	return NodeEND, nil
}

func approvalPayload(s *GraphState) string {
	return s.ThreadID + ":" + s.UserID + ":" + s.ApprovalHash
}

func approvalHandlerNode(ctx context.Context, rt *Runtime, s *GraphState) (NodeID, error) {
	last := lastUserMessage(s)

	if m := rejectPattern.FindStringSubmatch(last); m != nil {
		id := m[1]
		if id == s.ApprovalID {
			s.AwaitingApproval = false
			s.ApprovalID = ""
			s.ApprovalHash = ""
			s.ApprovalExpiresAt = 0
			s.ProposedTool = nil
			s.LastToolResult = &ToolResult{Status: ToolResultFailed, Reason: "UserRejected"}
			rt.audit(s, NodeApprovalHandler, "approval_rejected", "UserRejected")
		} else {
			s.clearApproval()
			rt.audit(s, NodeApprovalHandler, "approval_invalid", "ApprovalIdMismatch")
		}
		return NodeSupervisor, nil
	}

	m := approvePattern.FindStringSubmatch(last)
	if m == nil {
		s.clearApproval()
		rt.audit(s, NodeApprovalHandler, "approval_invalid", "MalformedApprovalMessage")
		return NodeSupervisor, nil
	}
	id, token := m[1], m[2]

	if id != s.ApprovalID {
		s.clearApproval()
		rt.audit(s, NodeApprovalHandler, "approval_invalid", "ApprovalIdMismatch")
		return NodeSupervisor, nil
	}
	if rt.clock().Unix() > s.ApprovalExpiresAt {
		s.clearApproval()
		rt.audit(s, NodeApprovalHandler, "approval_expired", "ApprovalExpired")
		return NodeSupervisor, nil
	}

	payload := approvalPayload(s)
	ok, err := rt.tokenManager.VerifyAndConsume(ctx, token, payload, int(rt.cfg.ApprovalTTLSeconds))
	if err != nil {
		s.clearApproval()
		return NodeSupervisor, fmt.Errorf("graph: verify approval token: %w", err)
	}
	if !ok {
		s.clearApproval()
		rt.audit(s, NodeApprovalHandler, "approval_invalid", "ApprovalInvalid")
		return NodeSupervisor, nil
	}

	s.AwaitingApproval = false
	s.ApprovalID = ""
	s.ApprovalExpiresAt = 0
	// ApprovalHash and ProposedTool are left intact: Tools still needs them.
	rt.audit(s, NodeApprovalHandler, "approval_approved", "")
	return NodeTools, nil
}

// clearApproval resets every approval-cycle field and drops the pending
// proposal. Every ApprovalHandler failure branch routes to Supervisor, which
// is not one of the nodes proposed_tool may be non-null ahead of — so the
// proposal must not survive a failed or abandoned approval.
func (s *GraphState) clearApproval() {
	s.AwaitingApproval = false
	s.ApprovalID = ""
	s.ApprovalHash = ""
	s.ApprovalExpiresAt = 0
	s.ProposedTool = nil
}

func toolsNode(ctx context.Context, rt *Runtime, s *GraphState) (NodeID, error) {
	pt := s.ProposedTool
	if pt == nil {
		return NodeInterpreter, fmt.Errorf("graph: Tools reached with no proposed tool")
	}

	toolCtx, cancel := context.WithTimeout(ctx, rt.cfg.ToolTimeout)
	defer cancel()

	output, err := rt.toolInvoker.Invoke(toolCtx, pt.Name, pt.Args)
	if err != nil {
		s.LastToolResult = &ToolResult{Status: ToolResultFailed, Reason: "ToolExecutionError"}
		rt.auditTool(s, pt, "failed")
		return NodeInterpreter, nil
	}

	s.LastToolResult = &ToolResult{Status: ToolResultSuccess, Output: output}
	rt.auditTool(s, pt, "success")
	return NodeInterpreter, nil
}

func interpreterNode(_ context.Context, rt *Runtime, s *GraphState) (NodeID, error) {
	res := s.LastToolResult
	if res == nil {
		res = &ToolResult{Status: ToolResultFailed, Reason: "MissingResult"}
		s.LastToolResult = res
	}

	if res.Status == ToolResultSuccess {
		size := len(res.Output)
		res.SizeChars = size

		if eviction.ShouldEvict(size) {
			pointer, err := rt.evictionStore.Save(s.ThreadID, []byte(res.Output))
			if err != nil {
				res.Status = ToolResultFailed
				res.Reason = "EvictionFailure"
				s.StepStatus[s.CurrentStep] = StepFailed
				s.ProposedTool = nil
				return NodeSupervisor, nil
			}
			summary := res.Output
			if len(summary) > 500 {
				summary = summary[:500]
			}
			res.Summary = summary
			res.Pointer = pointer
			res.Output = fmt.Sprintf("[EVICTED size=%d] %s", size, pointer)
			res.Evicted = true
			res.RehydrationAllowed = eviction.RehydrationAllowed(size)
		} else {
			res.Evicted = false
			res.RehydrationAllowed = true
		}
		s.StepStatus[s.CurrentStep] = StepDone
	} else {
		s.StepStatus[s.CurrentStep] = StepFailed
	}

	// Double-execution prevention invariant: a proposal is consumed exactly
	// once, whatever the outcome.
	s.ProposedTool = nil
	return NodeSupervisor, nil
}

func finalizerNode(ctx context.Context, rt *Runtime, s *GraphState) (NodeID, error) {
	msg, err := rt.composer.ComposeFinal(ctx, s)
	if err != nil || msg == "" {
		msg = "I've finished working on this."
	}
	s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: msg})
	return NodeEND, nil
}
