// Package risk implements the Risk Engine: a deterministic evaluation of
// (tool_name, canonical_args) into an allow/auth-required/blocked verdict.
// The evaluation order and tool-tier lookup follow firewall.PolicyFirewall's
// allowlist-then-schema-then-dispatch shape, generalized into the five-step
// ordered decision table this runtime's risk gate requires; optional
// per-tool JSON Schema validation reuses the same santhosh-tekuri/jsonschema
// library the firewall package validates tool parameters with.
package risk

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mindburnlabs/agentrt/pkg/dlp"
)

// Level is the severity tier attached to a decision.
type Level string

const (
	LevelLow      Level = "Low"
	LevelMedium   Level = "Medium"
	LevelHigh     Level = "High"
	LevelCritical Level = "Critical"
)

// Decision is the verdict a risk evaluation produces.
type Decision string

const (
	DecisionAllow        Decision = "Allow"
	DecisionAuthRequired Decision = "AuthRequired"
	DecisionBlocked      Decision = "Blocked"
)

// RiskDecision is the output of one evaluation.
type RiskDecision struct {
	Level    Level
	Decision Decision
	Reason   string
}

// Tier is a tool's configured base risk classification, looked up by name.
type Tier struct {
	Level        Level
	Decision     Decision
	WriteCapable bool // tool can cause external side effects DLP must screen
	PathArgs     bool // tool consumes path-shaped arguments subject to sandboxing
}

// PathArgExtractor pulls candidate filesystem paths out of a tool's
// canonical args for sandbox and honeyfile checks. Tools differ in which
// argument names carry paths, so this is supplied per engine rather than
// hardcoded.
type PathArgExtractor func(args map[string]any) []string

// Config is the static policy the engine evaluates against, loaded from the
// configuration surface (workspace_root, tool_tier_map, honeyfiles,
// honeytokens, secret_patterns are represented here; secret_patterns is
// covered by the dlp package rather than engine-local config).
type Config struct {
	WorkspaceRoot string
	ToolTiers     map[string]Tier
	Honeyfiles    map[string]bool
	Honeytokens   []string
	PathArgsOf    PathArgExtractor
	ArgSchemas    map[string]*jsonschema.Schema
}

// DefaultPathArgExtractor looks for a top-level "path" argument, the
// convention every seeded scenario in this runtime's test tools uses.
func DefaultPathArgExtractor(args map[string]any) []string {
	if p, ok := args["path"].(string); ok && p != "" {
		return []string{p}
	}
	return nil
}

// Engine evaluates risk decisions against a fixed Config.
type Engine struct {
	cfg Config
}

// NewEngine constructs an Engine. A nil PathArgsOf defaults to
// DefaultPathArgExtractor.
func NewEngine(cfg Config) *Engine {
	if cfg.PathArgsOf == nil {
		cfg.PathArgsOf = DefaultPathArgExtractor
	}
	return &Engine{cfg: cfg}
}

// Evaluate runs the five-step, first-match-wins decision table against a
// tool name and its already-canonicalized argument map.
func (e *Engine) Evaluate(toolName string, canonicalArgs map[string]any, canonicalArgsJSON string) RiskDecision {
	tier, known := e.cfg.ToolTiers[toolName]
	paths := e.cfg.PathArgsOf(canonicalArgs)

	// 1. Honeytoken trap.
	if e.triggersHoneytoken(canonicalArgsJSON, paths) {
		return RiskDecision{Level: LevelCritical, Decision: DecisionBlocked, Reason: "HONEYTOKEN_TRIGGERED"}
	}

	// 2. DLP egress block on write-capable tools.
	if known && tier.WriteCapable && dlp.HasSecret(canonicalArgsJSON) {
		return RiskDecision{Level: LevelHigh, Decision: DecisionBlocked, Reason: "DLP_SECRET_DETECTED"}
	}

	// 3. Sandbox violation.
	if (known && tier.PathArgs || len(paths) > 0) && e.anyPathEscapes(paths) {
		return RiskDecision{Level: LevelHigh, Decision: DecisionBlocked, Reason: "PathEscape"}
	}

	// 4. Tool tier lookup.
	if known {
		return RiskDecision{Level: tier.Level, Decision: tier.Decision, Reason: "TOOL_TIER_" + toolName}
	}

	// 5. Unknown tool default.
	return RiskDecision{Level: LevelMedium, Decision: DecisionAuthRequired, Reason: "UNKNOWN_TOOL"}
}

// ValidateArgs applies the tool's configured JSON Schema, if any, returning
// an error when args fail validation. Called independently of Evaluate so a
// schema-rejecting tool can surface a distinct error path.
func (e *Engine) ValidateArgs(toolName string, args map[string]any) error {
	schema, ok := e.cfg.ArgSchemas[toolName]
	if !ok || schema == nil {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("risk: schema validation failed for %q: %w", toolName, err)
	}
	return nil
}

func (e *Engine) triggersHoneytoken(canonicalArgsJSON string, paths []string) bool {
	for _, token := range e.cfg.Honeytokens {
		if token != "" && strings.Contains(canonicalArgsJSON, token) {
			return true
		}
	}
	for _, p := range paths {
		base := filepath.Base(p)
		if e.cfg.Honeyfiles[base] || e.cfg.Honeyfiles[p] {
			return true
		}
	}
	return false
}

func (e *Engine) anyPathEscapes(paths []string) bool {
	for _, p := range paths {
		if e.pathEscapes(p) {
			return true
		}
	}
	return false
}

// pathEscapes resolves p relative to the configured workspace root and
// checks, via absolute-path resolution plus a prefix check on the
// normalized path, that it remains inside the root.
func (e *Engine) pathEscapes(p string) bool {
	root := filepath.Clean(e.cfg.WorkspaceRoot)
	var resolved string
	if filepath.IsAbs(p) {
		resolved = filepath.Clean(p)
	} else {
		resolved = filepath.Clean(filepath.Join(root, p))
	}
	if resolved == root {
		return false
	}
	return !strings.HasPrefix(resolved, root+string(filepath.Separator))
}
