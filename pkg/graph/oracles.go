package graph

import "context"

// StepPlanner proposes an ordered plan from the current state — the
// external reasoning oracle the Planner node calls.
type StepPlanner interface {
	ProposeStep(ctx context.Context, state *GraphState) ([]StepDescriptor, error)
}

// ToolProposer proposes the next tool call from the current state — the
// external reasoning oracle the Executor node calls. The runtime, not this
// oracle, computes CanonicalArgs and ArgsHash.
type ToolProposer interface {
	ProposeTool(ctx context.Context, state *GraphState) (name string, args map[string]any, err error)
}

// ToolInvoker is the external tool substrate the Tools node calls.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (output string, err error)
}

// AssistantComposer composes the final assistant message from accumulated
// results — called by the Finalizer node.
type AssistantComposer interface {
	ComposeFinal(ctx context.Context, state *GraphState) (string, error)
}
