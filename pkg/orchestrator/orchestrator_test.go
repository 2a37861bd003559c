package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmitter struct {
	calls [][]byte
}

func (f *fakeAdmitter) Admit(_ context.Context, raw []byte) []byte {
	f.calls = append(f.calls, raw)
	return []byte(`{"jsonrpc":"2.0","result":{}}`)
}

func TestScanStderrExtractsMCPLines(t *testing.T) {
	admitter := &fakeAdmitter{}
	o := New(admitter, 0, nil)

	input := strings.NewReader(
		"ordinary log line\n" +
			`[AEON_MCP]{"tool":"read_file"}` + "\n" +
			"another log line\n" +
			`[AEON_MCP]{"tool":"write_file"}` + "\n",
	)

	o.scanStderr(context.Background(), input)

	require.Len(t, admitter.calls, 2)
	assert.Equal(t, `{"tool":"read_file"}`, string(admitter.calls[0]))
	assert.Equal(t, `{"tool":"write_file"}`, string(admitter.calls[1]))
}

func TestScanStderrDropsIntentsWhileHalted(t *testing.T) {
	admitter := &fakeAdmitter{}
	o := New(admitter, 0, nil)
	o.HandleControl(ControlCommand{Kind: "HALT", Reason: "test"})

	input := strings.NewReader(`[AEON_MCP]{"tool":"read_file"}` + "\n")
	o.scanStderr(context.Background(), input)

	assert.Empty(t, admitter.calls, "a halted orchestrator must not admit new intents")
	assert.True(t, o.Halted())
}

func TestResumeClearsHaltedFlag(t *testing.T) {
	o := New(&fakeAdmitter{}, 0, nil)
	o.HandleControl(ControlCommand{Kind: "HALT"})
	require.True(t, o.Halted())

	o.Resume()
	assert.False(t, o.Halted())
}

func TestHandleControlUnknownKindDoesNotHalt(t *testing.T) {
	o := New(&fakeAdmitter{}, 0, nil)
	o.HandleControl(ControlCommand{Kind: "NOT_A_REAL_COMMAND"})
	assert.False(t, o.Halted())
}
