// Package ledger is the audit ledger (L3, spec.md §4.3): a single
// background actor owns an embedded SQLite database and every public
// operation is a message sent over a bounded channel, the way the
// teacher's store.SQLiteReceiptStore owns a *sql.DB but reworked here into
// an actor so the database handle never has more than one writer, matching
// spec.md's single-owner requirement.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Vanaras-AI/AEON/pkg/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	target TEXT,
	status TEXT NOT NULL,
	metadata TEXT,
	timestamp_unix INTEGER NOT NULL,
	timestamp_local TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger(timestamp_unix);
CREATE INDEX IF NOT EXISTS idx_ledger_agent_id ON ledger(agent_id);
CREATE INDEX IF NOT EXISTS idx_ledger_operation ON ledger(operation);
`

const pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
PRAGMA mmap_size=30000000000;
`

// Entry is one audit record (spec.md §3).
type Entry struct {
	ID             int64  `json:"id,omitempty"`
	AgentID        string `json:"agent_id"`
	Operation      string `json:"operation"`
	Target         string `json:"target,omitempty"`
	Status         string `json:"status"`
	Metadata       string `json:"metadata,omitempty"`
	TimestampUnix  int64  `json:"timestamp_unix,omitempty"`
	TimestampLocal string `json:"timestamp_local,omitempty"`
}

// Status values spec.md §3 names; BLOCKED and STOPPED carry a ":phase"
// suffix assembled by callers (e.g. "BLOCKED:POLICY").
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// secretPatterns mask values following a sensitive key assignment and bare
// sk-... tokens, copied byte-for-byte from the original SECRET_PATTERNS
// table rather than reconstructed from spec.md's prose summary.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api_key|token|secret|password|key)['"]?\s*[:=]\s*['"]?([\w\d]+)['"]?`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
}

// redact masks metadata. The actor applies it to each entry just before the
// row is written, so a message waiting in the queue still holds the
// caller's unredacted metadata.
func redact(metadata string) string {
	out := secretPatterns[0].ReplaceAllString(metadata, "$1: [REDACTED]")
	out = secretPatterns[1].ReplaceAllString(out, "[REDACTED]")
	return out
}

type opKind int

const (
	opAppend opKind = iota
	opAppendBatch
	opRecent
	opCount
	opTopAgents
	opOperationDistribution
	opSuccessMetrics
	opTimeline
	opArchive
	opDetect
)

type message struct {
	kind    opKind
	entry   Entry
	entries []Entry
	n       int
	days    int
	rule    string
	sink    ArchiveSink
	reply   chan result
}

type result struct {
	err       error
	rows      []Entry
	agentCounts []AgentCount
	count     int64
	buckets   map[string]int64
	anomalies []Anomaly
}

// AgentCount is one row of the top_agents query: an agent_id and its
// ledger row count.
type AgentCount struct {
	AgentID string `json:"agent_id"`
	Count   int64  `json:"count"`
}

// Anomaly is one detection hit (spec.md §4.3 detect()).
type Anomaly struct {
	Rule     string `json:"rule"`
	AgentID  string `json:"agent_id"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// ArchiveSink persists archived rows outside the live database. Two
// implementations exist: FileArchiveSink (local JSONL, spec.md's default)
// and S3ArchiveSink (SPEC_FULL.md §4.3.a, opt-in).
type ArchiveSink interface {
	Write(ctx context.Context, filename string, rows []Entry) error
}

// Ledger is a handle to the actor; every clone shares the same channel, so
// initialization of the underlying database is effectively a singleton per
// process (SPEC_FULL.md / spec.md §9 "Global state").
type Ledger struct {
	msgs   chan message
	closed chan struct{}
}

// ErrQueueFull is returned by AppendNonBlocking when the bounded queue has
// no room; callers must treat it as a real failure, never silently drop it
// (spec.md §4.3, §7).
var ErrQueueFull = fmt.Errorf("ledger: queue full (backpressure)")

// ErrClosed is observed by callers after the actor has panicked and the
// channel has been drained/closed (spec.md §4.3 fail-stop).
var ErrClosed = fmt.Errorf("ledger: actor closed")

const queueCapacity = 10000

// Open starts the ledger actor against the SQLite file at path, creating
// parent directories and the schema if needed.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	if _, err := db.Exec(pragmas); err != nil {
		return nil, fmt.Errorf("ledger: apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}

	l := &Ledger{
		msgs:   make(chan message, queueCapacity),
		closed: make(chan struct{}),
	}
	go l.run(db)
	return l, nil
}

// run is the actor loop: the single owner of db. A SQL error on append or
// append_batch panics the goroutine by design (spec.md §4.3 Fail-stop) —
// the operator must hear about disk failure, not lose audit silently.
func (l *Ledger) run(db *sql.DB) {
	defer db.Close()
	defer close(l.closed)

	for msg := range l.msgs {
		switch msg.kind {
		case opAppend:
			if err := appendOne(db, redactEntry(msg.entry)); err != nil {
				panic(fmt.Sprintf("ledger actor: append failed, disk failure suspected: %v", err))
			}
			if msg.reply != nil {
				msg.reply <- result{}
			}

		case opAppendBatch:
			if err := appendBatch(db, msg.entries); err != nil {
				panic(fmt.Sprintf("ledger actor: append_batch failed, disk failure suspected: %v", err))
			}
			if msg.reply != nil {
				msg.reply <- result{}
			}

		case opRecent:
			rows, err := queryRecent(db, msg.n)
			msg.reply <- result{rows: rows, err: err}

		case opCount:
			n, err := queryCount(db)
			msg.reply <- result{count: n, err: err}

		case opTopAgents:
			rows, err := queryTopAgents(db, msg.n)
			msg.reply <- result{agentCounts: rows, err: err}

		case opOperationDistribution:
			buckets, err := queryOperationDistribution(db)
			msg.reply <- result{buckets: buckets, err: err}

		case opSuccessMetrics:
			buckets, err := querySuccessMetrics(db)
			msg.reply <- result{buckets: buckets, err: err}

		case opTimeline:
			buckets, err := queryTimeline(db)
			msg.reply <- result{buckets: buckets, err: err}

		case opArchive:
			err := archiveOlderThan(db, msg.days, msg.sink)
			msg.reply <- result{err: err}

		case opDetect:
			anomalies, err := detect(db, msg.rule)
			msg.reply <- result{anomalies: anomalies, err: err}
		}
	}
}

func redactEntry(e Entry) Entry {
	e.Metadata = redact(e.Metadata)
	return e
}

func stampEntry(e Entry) Entry {
	now := time.Now()
	e.TimestampUnix = now.Unix()
	e.TimestampLocal = now.Format(time.RFC3339)
	return e
}

func appendOne(db *sql.DB, e Entry) error {
	e = stampEntry(e)
	_, err := db.Exec(
		`INSERT INTO ledger (agent_id, operation, target, status, metadata, timestamp_unix, timestamp_local)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AgentID, e.Operation, e.Target, e.Status, e.Metadata, e.TimestampUnix, e.TimestampLocal,
	)
	return err
}

func appendBatch(db *sql.DB, entries []Entry) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO ledger (agent_id, operation, target, status, metadata, timestamp_unix, timestamp_local)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		e = redactEntry(e)
		e = stampEntry(e)
		if _, err := stmt.Exec(e.AgentID, e.Operation, e.Target, e.Status, e.Metadata, e.TimestampUnix, e.TimestampLocal); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var target, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Operation, &target, &e.Status, &metadata, &e.TimestampUnix, &e.TimestampLocal); err != nil {
			return nil, err
		}
		e.Target = target.String
		e.Metadata = metadata.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryRecent(db *sql.DB, n int) ([]Entry, error) {
	rows, err := db.Query(
		`SELECT id, agent_id, operation, target, status, metadata, timestamp_unix, timestamp_local
		 FROM ledger ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func queryCount(db *sql.DB) (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM ledger`).Scan(&n)
	return n, err
}

func queryTopAgents(db *sql.DB, n int) ([]AgentCount, error) {
	rows, err := db.Query(
		`SELECT agent_id, COUNT(*) as cnt FROM ledger GROUP BY agent_id ORDER BY cnt DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentCount
	for rows.Next() {
		var ac AgentCount
		if err := rows.Scan(&ac.AgentID, &ac.Count); err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}

func queryOperationDistribution(db *sql.DB) (map[string]int64, error) {
	rows, err := db.Query(`SELECT operation, COUNT(*) FROM ledger GROUP BY operation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var op string
		var n int64
		if err := rows.Scan(&op, &n); err != nil {
			return nil, err
		}
		out[op] = n
	}
	return out, rows.Err()
}

func querySuccessMetrics(db *sql.DB) (map[string]int64, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM ledger GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// queryTimeline buckets the last 24 hours into hourly counts, matching the
// original's strftime('%Y-%m-%d %H:00', ...) grouping.
func queryTimeline(db *sql.DB) (map[string]int64, error) {
	rows, err := db.Query(
		`SELECT strftime('%Y-%m-%d %H:00', datetime(timestamp_unix, 'unixepoch')) as bucket, COUNT(*)
		 FROM ledger
		 WHERE timestamp_unix > ?
		 GROUP BY bucket
		 ORDER BY bucket`,
		time.Now().Add(-24*time.Hour).Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var n int64
		if err := rows.Scan(&bucket, &n); err != nil {
			return nil, err
		}
		out[bucket] = n
	}
	return out, rows.Err()
}

// archiveOlderThan copies rows older than the cutoff into a newline-
// delimited JSON file, then deletes them — copy before delete, within the
// same actor turn (spec.md §4.3).
func archiveOlderThan(db *sql.DB, days int, sink ArchiveSink) error {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	rows, err := db.Query(
		`SELECT id, agent_id, operation, target, status, metadata, timestamp_unix, timestamp_local
		 FROM ledger WHERE timestamp_unix < ?`, cutoff)
	if err != nil {
		return err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	if sink != nil {
		filename := fmt.Sprintf("ledger_%s.jsonl", time.Now().Format("20060102_150405"))
		if err := sink.Write(context.Background(), filename, entries); err != nil {
			return fmt.Errorf("ledger: archive write: %w", err)
		}
	}

	_, err = db.Exec(`DELETE FROM ledger WHERE timestamp_unix < ?`, cutoff)
	return err
}

// detect runs one of the three fixed anomaly rules (spec.md §4.3).
func detect(db *sql.DB, rule string) ([]Anomaly, error) {
	switch rule {
	case "privilege-escalation":
		return detectPrivilegeEscalation(db)
	case "burst-activity":
		return detectBurstActivity(db)
	case "failure-spike":
		return detectFailureSpike(db)
	default:
		return nil, fmt.Errorf("ledger: unknown detection rule %q", rule)
	}
}

func detectPrivilegeEscalation(db *sql.DB) ([]Anomaly, error) {
	rows, err := db.Query(
		`SELECT agent_id, status FROM ledger
		 WHERE status LIKE 'BLOCKED%' OR status LIKE 'STOPPED%'
		 ORDER BY id DESC LIMIT 10`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Anomaly
	for rows.Next() {
		var agentID, status string
		if err := rows.Scan(&agentID, &status); err != nil {
			return nil, err
		}
		out = append(out, Anomaly{Rule: "privilege-escalation", AgentID: agentID, Severity: "HIGH", Detail: status})
	}
	return out, rows.Err()
}

func detectBurstActivity(db *sql.DB) ([]Anomaly, error) {
	since := time.Now().Add(-60 * time.Second).Unix()
	rows, err := db.Query(
		`SELECT agent_id, COUNT(*) as cnt FROM ledger
		 WHERE timestamp_unix > ?
		 GROUP BY agent_id HAVING cnt > 50`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Anomaly
	for rows.Next() {
		var agentID string
		var cnt int64
		if err := rows.Scan(&agentID, &cnt); err != nil {
			return nil, err
		}
		out = append(out, Anomaly{Rule: "burst-activity", AgentID: agentID, Severity: "MEDIUM", Detail: fmt.Sprintf("%d ops in last 60s", cnt)})
	}
	return out, rows.Err()
}

func detectFailureSpike(db *sql.DB) ([]Anomaly, error) {
	rows, err := db.Query(
		`SELECT agent_id, COUNT(*) as cnt FROM ledger
		 WHERE status = 'FAILURE'
		 GROUP BY agent_id HAVING cnt > 5`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Anomaly
	for rows.Next() {
		var agentID string
		var cnt int64
		if err := rows.Scan(&agentID, &cnt); err != nil {
			return nil, err
		}
		out = append(out, Anomaly{Rule: "failure-spike", AgentID: agentID, Severity: "MEDIUM", Detail: fmt.Sprintf("%d failures", cnt)})
	}
	return out, rows.Err()
}

// Append blocks until the entry is enqueued, applying backpressure rather
// than failing when the queue is momentarily full.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	reply := make(chan result, 1)
	select {
	case l.msgs <- message{kind: opAppend, entry: e, reply: reply}:
		metrics.LedgerQueueDepth.Set(float64(len(l.msgs)))
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-reply:
		if r.err != nil {
			metrics.LedgerAppendErrors.Inc()
		}
		return r.err
	case <-l.closed:
		return ErrClosed
	}
}

// AppendNonBlocking tries to enqueue without waiting; returns ErrQueueFull
// if the bounded channel has no room.
func (l *Ledger) AppendNonBlocking(e Entry) error {
	reply := make(chan result, 1)
	select {
	case l.msgs <- message{kind: opAppend, entry: e, reply: reply}:
		metrics.LedgerQueueDepth.Set(float64(len(l.msgs)))
	default:
		return ErrQueueFull
	}
	select {
	case r := <-reply:
		if r.err != nil {
			metrics.LedgerAppendErrors.Inc()
		}
		return r.err
	case <-l.closed:
		return ErrClosed
	}
}

// AppendBatch enqueues entries as a single transactional message.
func (l *Ledger) AppendBatch(ctx context.Context, entries []Entry) error {
	reply := make(chan result, 1)
	select {
	case l.msgs <- message{kind: opAppendBatch, entries: entries, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-reply:
		return r.err
	case <-l.closed:
		return ErrClosed
	}
}

func (l *Ledger) query(msg message) (result, error) {
	select {
	case l.msgs <- msg:
	case <-l.closed:
		return result{}, ErrClosed
	}
	select {
	case r := <-msg.reply:
		return r, r.err
	case <-l.closed:
		return result{}, ErrClosed
	}
}

func (l *Ledger) Recent(n int) ([]Entry, error) {
	r, err := l.query(message{kind: opRecent, n: n, reply: make(chan result, 1)})
	return r.rows, err
}

func (l *Ledger) Count() (int64, error) {
	r, err := l.query(message{kind: opCount, reply: make(chan result, 1)})
	return r.count, err
}

func (l *Ledger) TopAgents(n int) ([]AgentCount, error) {
	r, err := l.query(message{kind: opTopAgents, n: n, reply: make(chan result, 1)})
	return r.agentCounts, err
}

func (l *Ledger) OperationDistribution() (map[string]int64, error) {
	r, err := l.query(message{kind: opOperationDistribution, reply: make(chan result, 1)})
	return r.buckets, err
}

func (l *Ledger) SuccessMetrics() (map[string]int64, error) {
	r, err := l.query(message{kind: opSuccessMetrics, reply: make(chan result, 1)})
	return r.buckets, err
}

func (l *Ledger) Timeline() (map[string]int64, error) {
	r, err := l.query(message{kind: opTimeline, reply: make(chan result, 1)})
	return r.buckets, err
}

// ArchiveOlderThan archives and deletes rows older than days, using sink
// for cold storage. Passing a nil sink skips the write and only deletes —
// callers should not do this outside of tests.
func (l *Ledger) ArchiveOlderThan(days int, sink ArchiveSink) error {
	_, err := l.query(message{kind: opArchive, days: days, sink: sink, reply: make(chan result, 1)})
	return err
}

// MarshalArchiveLine renders one entry as a newline-delimited JSON line,
// the format FileArchiveSink and S3ArchiveSink both write.
func MarshalArchiveLine(e Entry) ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Detect runs one of "privilege-escalation", "burst-activity", or
// "failure-spike" and returns the matching anomalies.
func (l *Ledger) Detect(rule string) ([]Anomaly, error) {
	r, err := l.query(message{kind: opDetect, rule: rule, reply: make(chan result, 1)})
	return r.anomalies, err
}
