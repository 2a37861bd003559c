package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor stands in for a WasmExecutor in tests that only exercise
// Supervisor's recycle/serialization bookkeeping, not real wasm execution.
type fakeExecutor struct {
	mu       sync.Mutex
	alive    bool
	calls    int
	failNext bool
	killed   int
}

func (f *fakeExecutor) Call(_ context.Context, body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext {
		f.failNext = false
		return nil, errors.New("simulated executor failure")
	}
	return body, nil
}

func (f *fakeExecutor) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeExecutor) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	f.killed++
	return nil
}

func newTestSupervisor(threshold int) (*Supervisor, *[]*fakeExecutor) {
	spawned := &[]*fakeExecutor{}
	s := &Supervisor{threshold: threshold}
	s.spawnFn = func() Executor {
		e := &fakeExecutor{alive: true}
		*spawned = append(*spawned, e)
		return e
	}
	s.executor = s.spawnFn()
	return s, spawned
}

func TestSupervisorRecyclesAtThreshold(t *testing.T) {
	s, spawned := newTestSupervisor(3)

	for i := 0; i < 3; i++ {
		_, err := s.Call(context.Background(), []byte("ping"))
		require.NoError(t, err)
	}

	assert.Len(t, *spawned, 2, "a fresh executor should be spawned once the threshold is hit")
	assert.True(t, (*spawned)[0].killed > 0, "the exhausted executor must be killed on recycle")
	assert.Equal(t, 0, s.CallCount(), "the call counter resets after recycling")
}

func TestSupervisorRespawnsOnExecutorFailure(t *testing.T) {
	s, spawned := newTestSupervisor(50)
	(*spawned)[0].failNext = true

	_, err := s.Call(context.Background(), []byte("ping"))
	assert.Error(t, err)
	assert.Len(t, *spawned, 2, "a failed call must trigger an immediate respawn")

	_, err = s.Call(context.Background(), []byte("ping"))
	require.NoError(t, err, "the respawned executor should serve the next call normally")
}

func TestSupervisorCallsAreSerialized(t *testing.T) {
	s, _ := newTestSupervisor(1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Call(context.Background(), []byte("x"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, s.CallCount())
}
