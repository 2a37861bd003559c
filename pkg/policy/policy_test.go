package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEtcWriteDenied(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	d := e.Evaluate("write_file", map[string]interface{}{"path": "/etc/passwd"})
	assert.True(t, d.Denied)
}

func TestTraversalDenied(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	d := e.Evaluate("write_file", map[string]interface{}{"path": "/tmp/../etc/passwd"})
	assert.True(t, d.Denied)
}

func TestRmCommandDenied(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	d := e.Evaluate("execute_command", map[string]interface{}{"command": "  rm -rf /tmp/x"})
	assert.True(t, d.Denied)
}

func TestSafeWriteAllowed(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	d := e.Evaluate("write_file", map[string]interface{}{"path": "/tmp/a.txt"})
	assert.False(t, d.Denied)
}

func TestUnrelatedToolAllowed(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	d := e.Evaluate("read_file", map[string]interface{}{"path": "/etc/passwd"})
	assert.False(t, d.Denied, "P1 rules only name write_file and execute_command")
}
