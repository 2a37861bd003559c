package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Vanaras-AI/AEON/pkg/keyring"
	"github.com/Vanaras-AI/AEON/pkg/mandate"
	"github.com/Vanaras-AI/AEON/pkg/metrics"
)

// DefaultRecycleThreshold is the call count at which a resident executor is
// torn down and replaced, bounding the blast radius of any one long-lived
// wasm instance (spec.md §4.2).
const DefaultRecycleThreshold = 50

// Supervisor owns exactly one resident Executor for a cell at a time. Calls
// are mutex-serialized, matching the original's single resident process per
// cell rather than a pool: the gateway trades call-level parallelism for a
// simple, auditable recycle boundary.
type Supervisor struct {
	mu sync.Mutex

	wasmPath  string
	env       *HostEnv
	threshold int
	timeout   time.Duration

	executor  Executor
	callCount int

	// spawnFn, when set, replaces the real wazero executor construction —
	// tests use it to substitute a fakeExecutor so recycle/serialization
	// logic can be exercised without compiling real wasm bytecode.
	spawnFn func() Executor
}

// NewSupervisor constructs a Supervisor and spawns its first executor.
func NewSupervisor(ctx context.Context, wasmPath string, kr *keyring.Keyring, m *mandate.Mandate, mandatesDir string, threshold int, timeout time.Duration) (*Supervisor, error) {
	if threshold <= 0 {
		threshold = DefaultRecycleThreshold
	}
	s := &Supervisor{
		wasmPath:  wasmPath,
		env:       &HostEnv{Mandate: m, Keyring: kr, MandatesDir: mandatesDir},
		threshold: threshold,
		timeout:   timeout,
	}
	if err := s.spawn(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) spawn(ctx context.Context) error {
	if s.spawnFn != nil {
		s.executor = s.spawnFn()
		s.callCount = 0
		return nil
	}
	exec, err := NewWasmExecutor(ctx, s.wasmPath, s.env)
	if err != nil {
		return fmt.Errorf("sandbox: spawn executor: %w", err)
	}
	s.executor = exec
	s.callCount = 0
	return nil
}

// Call sends one framed JSON-RPC body through the resident executor and
// returns its framed reply. Calls are serialized: the original keeps a
// single resident process per cell rather than a pool, so a call in flight
// blocks the next one instead of racing it onto a second instance.
func (s *Supervisor) Call(ctx context.Context, body []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if !s.executor.Alive() {
		if err := s.spawn(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	reply, err := s.executor.Call(ctx, body)
	metrics.SandboxCallLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		// A call that fails the resident instance is never retried
		// transparently: the caller sees the error, and the next call
		// gets a fresh executor.
		_ = s.executor.Kill()
		if spawnErr := s.spawn(context.Background()); spawnErr != nil {
			return nil, fmt.Errorf("sandbox: call failed (%v) and respawn failed: %w", err, spawnErr)
		}
		metrics.SandboxRecycles.Inc()
		return nil, fmt.Errorf("sandbox: call failed, executor recycled: %w", err)
	}

	s.callCount++
	if s.callCount >= s.threshold {
		if err := s.recycle(ctx); err != nil {
			return reply, fmt.Errorf("sandbox: call succeeded but recycle failed: %w", err)
		}
	}

	return reply, nil
}

// recycle tears down the current executor and spawns a fresh one, resetting
// the call counter. Called with mu already held.
func (s *Supervisor) recycle(ctx context.Context) error {
	old := s.executor
	if err := s.spawn(ctx); err != nil {
		return err
	}
	metrics.SandboxRecycles.Inc()
	return old.Kill()
}

// CallCount reports the number of calls served by the current resident
// executor since it was last spawned.
func (s *Supervisor) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

// Close kills the resident executor. The Supervisor must not be used
// afterward.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executor.Kill()
}
