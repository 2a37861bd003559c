// Package orchestrator launches the agent child process (L10, spec.md
// §4.8), relays its stderr-side-channel intents into the admission
// pipeline, and runs the periodic heartbeat and HALT/SIGNAL control loop.
package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/Vanaras-AI/AEON/pkg/pipeline"
)

// mcpLinePattern matches one framed intent line on the agent's stderr side
// channel (spec.md §6): "^\[AEON_MCP\](.*)$".
var mcpLinePattern = regexp.MustCompile(`^\[AEON_MCP\](.*)$`)

// ControlCommand mirrors pkg/telemetry.ControlCommand; orchestrator does
// not import telemetry to avoid a cycle (telemetry already imports
// pipeline, and the host wiring lives in cmd/aeon-gateway).
type ControlCommand struct {
	Kind   string
	Reason string
}

// Admitter is the narrow pipeline surface the orchestrator drives.
type Admitter interface {
	Admit(ctx context.Context, raw []byte) []byte
}

// Orchestrator owns one agent child process and its lifecycle.
type Orchestrator struct {
	Pipeline          Admitter
	MCPPrefixPattern  *regexp.Regexp
	HeartbeatInterval time.Duration
	Signals           pipeline.Emitter

	halted atomic.Bool
}

// New constructs an Orchestrator scanning for the spec's "[AEON_MCP]"
// marker. A non-positive heartbeat defaults to 2 seconds.
func New(p Admitter, heartbeat time.Duration, signals pipeline.Emitter) *Orchestrator {
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}
	return &Orchestrator{
		Pipeline:          p,
		MCPPrefixPattern:  mcpLinePattern,
		HeartbeatInterval: heartbeat,
		Signals:           signals,
	}
}

// Run launches name with args as a child process with inherited stdin and
// stdout, scans its stderr for framed intents, and blocks until the child
// exits or ctx is cancelled. Run starts the heartbeat loop itself; it is
// the caller's job to run HandleControl concurrently against the same
// Orchestrator.
func (o *Orchestrator) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("orchestrator: attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("orchestrator: start agent: %w", err)
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go o.heartbeatLoop(heartbeatCtx)

	o.scanStderr(ctx, stderr)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("orchestrator: agent exited: %w", err)
	}
	return nil
}

// scanStderr reads the child's stderr line by line. A line matching the
// MCP prefix pattern is stripped and submitted to the pipeline unless the
// orchestrator is halted, in which case it is dropped with a warning so
// audit integrity is preserved for in-flight work without admitting new
// intents (spec.md §5 cancellation semantics). Non-matching lines pass
// through to the gateway's own stderr unchanged.
func (o *Orchestrator) scanStderr(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		m := o.MCPPrefixPattern.FindStringSubmatch(line)
		if m == nil {
			fmt.Fprintln(os.Stderr, line)
			continue
		}

		if o.halted.Load() {
			slog.Warn("intent dropped: orchestrator halted", "line", line)
			continue
		}

		body := []byte(m[1])
		resp := o.Pipeline.Admit(ctx, body)
		slog.Debug("intent admitted", "response", string(resp))
	}
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(o.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.Signals != nil {
				o.Signals.Emit(pipeline.Signal{Kind: "HEARTBEAT"})
			}
		}
	}
}

// HandleControl applies a control command from the telemetry bus: HALT
// freezes future admissions (in-flight work still completes), SIGNAL is
// re-emitted onto the telemetry bus as a synthetic signal for downstream
// subscribers.
func (o *Orchestrator) HandleControl(cmd ControlCommand) {
	switch cmd.Kind {
	case "HALT":
		o.halted.Store(true)
		slog.Warn("orchestrator halted", "reason", cmd.Reason)
	case "SIGNAL":
		if o.Signals != nil {
			o.Signals.Emit(pipeline.Signal{Kind: "SIGNAL", Reason: cmd.Reason})
		}
	default:
		slog.Warn("unknown control command", "kind", cmd.Kind)
	}
}

// Halted reports whether the orchestrator is currently dropping new
// intents.
func (o *Orchestrator) Halted() bool {
	return o.halted.Load()
}

// Resume clears the halted flag.
func (o *Orchestrator) Resume() {
	o.halted.Store(false)
}
