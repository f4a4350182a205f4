package graph

import "errors"

// Sentinel errors for the runtime's error taxonomy (§7). These are kinds,
// not payload-bearing types: callers that need detail read the associated
// ToolResult.Reason or audit entry instead of inspecting the error value.
var (
	// ErrIntegrityMismatch: canonicalization failure or args_hash mismatch
	// observed at RiskGate. Never propagates past RiskGate — always
	// converted to a failed ToolResult and audited.
	ErrIntegrityMismatch = errors.New("graph: integrity mismatch")

	// ErrPolicyBlocked: Risk Engine returned Blocked.
	ErrPolicyBlocked = errors.New("graph: policy blocked")

	// ErrApprovalRejected: user sent RECHAZAR.
	ErrApprovalRejected = errors.New("graph: approval rejected")

	// ErrApprovalExpired: approval presented after approval_expires_at.
	ErrApprovalExpired = errors.New("graph: approval expired")

	// ErrApprovalInvalid: approval id mismatch or token failed verification.
	ErrApprovalInvalid = errors.New("graph: approval invalid")

	// ErrToolExecution: the tool substrate returned a transport or
	// execution error. Counted against Tries; retried up to 2 more times.
	ErrToolExecution = errors.New("graph: tool execution error")

	// ErrPathEscape: sandbox violation in Eviction Store or Risk Engine.
	ErrPathEscape = errors.New("graph: path escape")

	// ErrStateCorruption: snapshot failed schema validation on load. The
	// thread is quarantined; no further turns are routed for it.
	ErrStateCorruption = errors.New("graph: state corruption")

	// ErrOracleFailure: Planner or Executor oracle returned malformed
	// output. Treated as a failed step.
	ErrOracleFailure = errors.New("graph: oracle failure")

	// ErrThreadCancelled: Invoke called on an administratively cancelled
	// thread.
	ErrThreadCancelled = errors.New("graph: thread cancelled")

	// ErrThreadQuarantined: Invoke called on a thread whose state failed
	// corruption checks on a prior load.
	ErrThreadQuarantined = errors.New("graph: thread quarantined")
)
