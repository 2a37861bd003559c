// Package pipeline composes the five-phase intent admission pipeline
// (L8, spec.md §4.1): static policy, risk scoring, capability synthesis,
// sandbox execution, and audit. A rate limiter runs ahead of phase P1
// (SPEC_FULL.md §4.1.a).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Vanaras-AI/AEON/pkg/capability"
	"github.com/Vanaras-AI/AEON/pkg/ledger"
	"github.com/Vanaras-AI/AEON/pkg/mandate"
	"github.com/Vanaras-AI/AEON/pkg/metrics"
	"github.com/Vanaras-AI/AEON/pkg/policy"
	"github.com/Vanaras-AI/AEON/pkg/risk"
	"github.com/Vanaras-AI/AEON/pkg/rpcerr"
)

// RiskDenyThreshold and RiskAdvisoryThreshold bound the three bands a final
// risk score falls into: deny outright, allow with an advisory signal, or
// allow quietly (spec.md §4.1 Phase P2).
const (
	RiskDenyThreshold     = 0.8
	RiskAdvisoryThreshold = 0.5
)

// Intent is one admitted request: a stable method name (a tool name
// directly, or unwrapped from a "tools/call" envelope) and its argument
// payload (spec.md §3). Intents are immutable after receipt.
type Intent struct {
	ID   interface{}
	Tool string
	Args map[string]interface{}
}

// rpcRequest is the raw JSON-RPC 2.0 envelope the agent uplink sends
// (spec.md §6): "method" is either a tool name directly or the wrapper
// "tools/call", in which case "params" nests {name, arguments}.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

const toolsCallMethod = "tools/call"

// parseIntent unwraps the wire envelope into an Intent. A bare method name
// is treated as the tool name with params as its arguments directly; the
// "tools/call" wrapper nests the tool name under params.name and its
// arguments under params.arguments.
func parseIntent(raw []byte) (Intent, error) {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return Intent{}, fmt.Errorf("invalid JSON-RPC body: %w", err)
	}
	if req.Method == "" {
		return Intent{}, fmt.Errorf("missing method")
	}

	if req.Method == toolsCallMethod {
		var p toolCallParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return Intent{}, fmt.Errorf("invalid tools/call params: %w", err)
			}
		}
		if p.Name == "" {
			return Intent{}, fmt.Errorf("tools/call missing params.name")
		}
		return Intent{ID: req.ID, Tool: p.Name, Args: p.Arguments}, nil
	}

	var args map[string]interface{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return Intent{}, fmt.Errorf("invalid params: %w", err)
		}
	}
	return Intent{ID: req.ID, Tool: req.Method, Args: args}, nil
}

// SandboxCaller is the narrow slice of pkg/sandbox.Supervisor the pipeline
// depends on, so tests can substitute a fake without a real wasm module.
type SandboxCaller interface {
	Call(ctx context.Context, body []byte) ([]byte, error)
}

// Signal is one telemetry event the pipeline emits; pkg/telemetry
// subscribes via Emitter without pipeline importing telemetry, avoiding an
// import cycle between L8 and L9.
type Signal struct {
	Kind          string                 `json:"kind"`
	AgentID       string                 `json:"agent_id"`
	Tool          string                 `json:"tool,omitempty"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Score         float64                `json:"score,omitempty"`
	Timestamp     int64                  `json:"timestamp,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

const (
	SignalAuditIntent   = "AUDIT_INTENT"
	SignalIntentBlocked = "INTENT_BLOCKED"
	SignalIntentAllowed = "INTENT_ALLOWED"
	SignalRiskAdvisory  = "RISK_ADVISORY"
)

// Emitter receives pipeline signals. A nil-safe no-op is used when
// telemetry is not wired.
type Emitter interface {
	Emit(Signal)
}

type noopEmitter struct{}

func (noopEmitter) Emit(Signal) {}

// Pipeline wires phases P1-P5 plus the supplementary rate limiter around a
// single agent's mandate, sandbox, and the shared ledger/risk/policy
// services. One Pipeline always serves exactly one agent's mandate, so the
// agent_id on every ledger row and telemetry signal comes from Mandate, not
// from the wire request (spec.md's Intent has no agent_id field at all).
type Pipeline struct {
	Mandate   *mandate.Mandate
	Sandbox   SandboxCaller
	Ledger    *ledger.Ledger
	Policy    *policy.Evaluator
	Risk      *risk.Scorer
	Limiter   Limiter
	Telemetry Emitter
}

// New builds a Pipeline for one agent's mandate. telemetry may be nil.
func New(m *mandate.Mandate, sb SandboxCaller, l *ledger.Ledger, pol *policy.Evaluator, rs *risk.Scorer, lim Limiter, telemetry Emitter) *Pipeline {
	if telemetry == nil {
		telemetry = noopEmitter{}
	}
	return &Pipeline{Mandate: m, Sandbox: sb, Ledger: l, Policy: pol, Risk: rs, Limiter: lim, Telemetry: telemetry}
}

func (p *Pipeline) agentID() string {
	if p.Mandate == nil {
		return ""
	}
	return p.Mandate.AgentID
}

// Admit runs one raw JSON-RPC request body through every admission phase
// and returns the framed JSON-RPC response body. It has no Go error
// result: every denial or failure is encoded as a JSON-RPC error response,
// per spec.md §7, and a failed ledger append is logged, not returned.
func (p *Pipeline) Admit(ctx context.Context, raw []byte) []byte {
	corrID := uuid.NewString()

	intent, err := parseIntent(raw)
	if err != nil {
		return encode(rpcerr.Fail(nil, rpcerr.ParseError(err.Error())))
	}

	p.Telemetry.Emit(Signal{Kind: SignalAuditIntent, AgentID: p.agentID(), Tool: intent.Tool, Params: intent.Args, CorrelationID: corrID})

	if p.Limiter != nil {
		allowed, err := p.Limiter.Allow(ctx, p.agentID())
		if err != nil {
			slog.Warn("rate limiter error, failing open", "agent_id", p.agentID(), "correlation_id", corrID, "error", err)
		} else if !allowed {
			return p.deny(ctx, intent, corrID, "RATE_LIMIT", "rate limit exceeded", 0, rpcerr.ResourceError("rate limit exceeded"))
		}
	}

	if decision := p.Policy.Evaluate(intent.Tool, intent.Args); decision.Denied {
		return p.deny(ctx, intent, corrID, "POLICY", decision.Reason, 0,
			rpcerr.PolicyViolation("POLICY", decision.Reason, 0))
	}

	if path, ok := intent.Args["path"].(string); ok && !p.Mandate.AuthorizedForPath(path) {
		return p.deny(ctx, intent, corrID, "TERRITORY", "path is outside the agent's authorized territory", 0,
			rpcerr.PolicyViolation("TERRITORY", "path is outside the agent's authorized territory", 0))
	}

	assessment := p.Risk.Score(ctx, intent.Tool, intent.Args)
	if assessment.Score >= RiskDenyThreshold {
		reason := fmt.Sprintf("risk score %.2f exceeds deny threshold", assessment.Score)
		return p.deny(ctx, intent, corrID, "RISK_ASSESSMENT", reason, assessment.Score,
			rpcerr.PolicyViolation("RISK_ASSESSMENT", reason, assessment.Score))
	}
	if assessment.Score >= RiskAdvisoryThreshold {
		slog.Warn("elevated risk admitted with advisory", "agent_id", p.agentID(), "correlation_id", corrID, "tool", intent.Tool, "score", assessment.Score)
		p.Telemetry.Emit(Signal{Kind: SignalRiskAdvisory, AgentID: p.agentID(), Tool: intent.Tool, Score: assessment.Score, CorrelationID: corrID})
	}

	manifest := capability.Build(intent.Tool, intent.Args)
	if err := capability.ValidateArgs(intent.Tool, intent.Args); err != nil {
		return p.deny(ctx, intent, corrID, "CAPABILITY", err.Error(), assessment.Score,
			rpcerr.InvalidParams(err.Error()))
	}
	slog.Debug("capability manifest synthesized", "agent_id", p.agentID(), "correlation_id", corrID, "tool", intent.Tool, "allow_network", manifest.AllowsNetwork())

	// Phase P4 forwards the original framed request to the sandbox and
	// returns its reply verbatim (spec.md §4.1) — the manifest is logged
	// and attached to the allow signal, not re-encoded into the request.
	result, err := p.Sandbox.Call(ctx, raw)
	if err != nil {
		p.logLedger(ctx, intent, ledger.StatusFailure, fmt.Sprintf("sandbox call failed: %v", err))
		p.Telemetry.Emit(Signal{Kind: SignalIntentBlocked, AgentID: p.agentID(), Tool: intent.Tool, Reason: "sandbox error", CorrelationID: corrID})
		metrics.Verdicts.WithLabelValues("error", "P4").Inc()
		return encode(rpcerr.Fail(intent.ID, rpcerr.ExecutionError(fmt.Sprintf("sandbox call failed: %v", err))))
	}

	p.logLedger(ctx, intent, ledger.StatusSuccess, "")
	p.Telemetry.Emit(Signal{Kind: SignalIntentAllowed, AgentID: p.agentID(), Tool: intent.Tool, Score: assessment.Score, Params: manifestSummary(manifest), CorrelationID: corrID})
	metrics.Verdicts.WithLabelValues("allowed", "P5").Inc()

	return result
}

func manifestSummary(m *capability.Manifest) map[string]interface{} {
	return map[string]interface{}{
		"allow_network":    m.AllowsNetwork(),
		"max_memory_bytes": m.MaxMemoryBytes,
		"max_cpu_percent":  m.MaxCPUPercent,
		"atom_count":       len(m.Atoms),
	}
}

func (p *Pipeline) deny(_ context.Context, intent Intent, corrID, phase, reason string, score float64, rpcErr *rpcerr.Error) []byte {
	p.logLedger(context.Background(), intent, fmt.Sprintf("BLOCKED:%s", phase), reason)
	p.Telemetry.Emit(Signal{Kind: SignalIntentBlocked, AgentID: p.agentID(), Tool: intent.Tool, Reason: reason, Score: score, CorrelationID: corrID})
	metrics.Verdicts.WithLabelValues("blocked", phase).Inc()
	return encode(rpcerr.Fail(intent.ID, rpcErr))
}

func (p *Pipeline) logLedger(ctx context.Context, intent Intent, status, reason string) {
	if p.Ledger == nil {
		return
	}
	e := ledger.Entry{
		AgentID:   p.agentID(),
		Operation: intent.Tool,
		Target:    targetPath(intent.Args),
		Status:    status,
		Metadata:  reason,
	}
	if err := p.Ledger.Append(ctx, e); err != nil {
		slog.Error("ledger append failed", "agent_id", p.agentID(), "error", err)
	}
}

func targetPath(args map[string]interface{}) string {
	if args == nil {
		return ""
	}
	if v, ok := args["path"].(string); ok {
		return v
	}
	if v, ok := args["command"].(string); ok {
		return v
	}
	return ""
}

func encode(resp *rpcerr.Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		// Marshaling a Response built entirely from known-serializable
		// fields cannot fail in practice; a hand-built fallback avoids a
		// panic if it ever does.
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal marshal error"}}`)
	}
	return b
}
