package ledger

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendOnePropagatesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO ledger").
		WillReturnError(assert.AnError)

	err = appendOne(db, Entry{AgentID: "agent-1", Operation: "write_file", Status: StatusSuccess})
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatchRollsBackOnMidTransactionFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ledger")
	mock.ExpectExec("INSERT INTO ledger").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	entries := []Entry{
		{AgentID: "agent-1", Operation: "read_file", Status: StatusSuccess},
		{AgentID: "agent-1", Operation: "write_file", Status: StatusSuccess},
	}
	err = appendBatch(db, entries)
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCountSurfacesScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").WillReturnError(assert.AnError)

	_, err = queryCount(db)
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}
