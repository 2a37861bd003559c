// Package policy implements the syntactic static-deny phase (L6, P1 in
// spec.md §4.1): a small fixed rule set evaluated as compiled CEL programs
// over the parsed (tool, arguments) pair, the way the teacher's
// CELPolicyEvaluator compiles its system rules once and reuses the
// cel.Program per rule instead of re-parsing on every call.
package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Decision is the outcome of evaluating static policy against an intent.
type Decision struct {
	Denied bool
	Reason string
}

func Allow() Decision { return Decision{} }

func Deny(reason string) Decision { return Decision{Denied: true, Reason: reason} }

// rule pairs a CEL expression with the plain-English reason to surface when
// it fires. Expressions are over two bound variables: tool (string) and
// args (a dynamic map).
type rule struct {
	expr   string
	reason string
}

// rules is the fixed table from spec.md §4.1 Phase P1: write_file paths
// under /etc or containing ".." are denied; execute_command whose first
// token (after trim) is "rm" is denied. Every other (tool, arg) shape
// passes.
var rules = []rule{
	{
		expr:   `tool == "write_file" && has(args.path) && args.path.startsWith("/etc")`,
		reason: "write to /etc is forbidden",
	},
	{
		expr:   `tool == "write_file" && has(args.path) && args.path.contains("..")`,
		reason: "path traversal is forbidden",
	},
}

// Evaluator holds compiled CEL programs so admit() never recompiles an
// expression per request.
type Evaluator struct {
	env      *cel.Env
	programs []compiledRule
}

type compiledRule struct {
	program cel.Program
	reason  string
}

// NewEvaluator compiles the fixed rule table. A compile failure is a
// programmer error in the rule table itself, not request-time input, so it
// is returned rather than silently skipped.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build CEL env: %w", err)
	}

	e := &Evaluator{env: env}
	for _, r := range rules {
		ast, issues := env.Compile(r.expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", r.expr, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: build program for %q: %w", r.expr, err)
		}
		e.programs = append(e.programs, compiledRule{program: prg, reason: r.reason})
	}
	return e, nil
}

// Evaluate runs every compiled rule against (tool, args) and returns the
// first denial encountered, plus the separate "rm" prefix-match check
// spec.md documents as a distinct string operation rather than a CEL
// expression (SPEC_FULL.md §9: obfuscation is explicitly not handled here;
// risk scoring is the backstop).
func (e *Evaluator) Evaluate(tool string, args map[string]interface{}) Decision {
	if tool == "execute_command" {
		if cmd, ok := args["command"].(string); ok && firstToken(cmd) == "rm" {
			return Deny("destructive command: rm")
		}
	}

	for _, r := range e.programs {
		out, _, err := r.program.Eval(map[string]interface{}{
			"tool": tool,
			"args": args,
		})
		if err != nil {
			// A CEL evaluation error (e.g. missing field accessed without
			// `has()`) is treated as "rule did not match" — fail-open per
			// rule, not fail-closed, because these are narrowing syntactic
			// checks layered before risk scoring, not the last line of
			// defense.
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			return Deny(r.reason)
		}
	}

	return Allow()
}

func firstToken(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	fields := strings.Fields(trimmed)
	return fields[0]
}
