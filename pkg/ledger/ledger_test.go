package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	return l
}

func TestAppendAndCount(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.Append(context.Background(), Entry{AgentID: "agent-1", Operation: "write_file", Status: StatusSuccess}))
	require.NoError(t, l.Append(context.Background(), Entry{AgentID: "agent-1", Operation: "read_file", Status: StatusSuccess}))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Entry{AgentID: "a", Operation: "op1", Status: StatusSuccess}))
	require.NoError(t, l.Append(ctx, Entry{AgentID: "a", Operation: "op2", Status: StatusSuccess}))

	recent, err := l.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "op2", recent[0].Operation)
}

func TestRedactionMasksSecrets(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.Append(context.Background(), Entry{
		AgentID:   "agent-1",
		Operation: "write_file",
		Status:    StatusSuccess,
		Metadata:  `api_key=sk-AAAAAAAAAAAAAAAAAAAAAAAA and password="hunter2"`,
	}))

	recent, err := l.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0].Metadata, "[REDACTED]")
	assert.NotContains(t, recent[0].Metadata, "hunter2")
	assert.NotContains(t, recent[0].Metadata, "sk-AAAAAAAAAAAAAAAAAAAAAAAA")
}

func TestAppendNonBlockingSucceedsWithRoomInQueue(t *testing.T) {
	l := openTestLedger(t)
	err := l.AppendNonBlocking(Entry{AgentID: "a", Operation: "op", Status: StatusSuccess})
	assert.NoError(t, err)
}

func TestArchiveOlderThanMovesRowsToSink(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Entry{AgentID: "a", Operation: "old_op", Status: StatusSuccess}))

	n, err := l.Count()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	sink := &fakeSink{}
	// days=0 treats "now" as the cutoff, so the just-inserted row (which
	// timestamps at append time, in whole seconds) is strictly older than
	// the cutoff once more than a second has passed.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, l.ArchiveOlderThan(0, sink))

	remaining, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
	assert.Len(t, sink.written, 1)
}

func TestArchiveOlderThanKeepsRecentRows(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Append(context.Background(), Entry{AgentID: "a", Operation: "fresh", Status: StatusSuccess}))

	sink := &fakeSink{}
	require.NoError(t, l.ArchiveOlderThan(1, sink))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "rows newer than the cutoff must survive archival")
}

func TestDetectFailureSpike(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Append(ctx, Entry{AgentID: "flaky-agent", Operation: "execute_command", Status: StatusFailure}))
	}

	anomalies, err := l.Detect("failure-spike")
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "flaky-agent", anomalies[0].AgentID)
}

func TestDetectPrivilegeEscalation(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Append(context.Background(), Entry{AgentID: "a", Operation: "write_file", Status: "BLOCKED:POLICY"}))

	anomalies, err := l.Detect("privilege-escalation")
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
}

func TestDetectUnknownRule(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Detect("not-a-real-rule")
	assert.Error(t, err)
}

type fakeSink struct {
	written []string
}

func (f *fakeSink) Write(_ context.Context, filename string, rows []Entry) error {
	f.written = append(f.written, filename)
	return nil
}
