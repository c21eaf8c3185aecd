package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLCustodyLog implements CustodyLog using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLCustodyLog struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time
}

func NewSQLCustodyLog(db *sql.DB) *SQLCustodyLog {
	return &SQLCustodyLog{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLCustodyLog) WithClock(clock func() time.Time) *SQLCustodyLog {
	l.clock = clock
	return l
}

const custodySchema = `
CREATE TABLE IF NOT EXISTS custody_entries (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	timestamp_ns BIGINT NOT NULL,
	details TEXT,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	UNIQUE (job_id, sequence)
);
`

func (l *SQLCustodyLog) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, custodySchema)
	return err
}

func (l *SQLCustodyLog) Append(ctx context.Context, jobID string, action CustodyAction, actor string, details map[string]string) (*CustodyEntry, error) {
	e := CustodyEntry{JobID: jobID, Action: action, Actor: actor, Details: copyDetails(details)}
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal custody details: %w", err)
	}

	// The unique (job_id, sequence) constraint arbitrates between processes;
	// the mutex keeps this process from racing itself.
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin custody append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		head   CustodyEntry
		seq    int64
		tsNano int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, timestamp_ns, entry_hash FROM custody_entries WHERE job_id = $1 ORDER BY sequence DESC LIMIT 1`,
		jobID,
	).Scan(&seq, &tsNano, &head.EntryHash)
	var headPtr *CustodyEntry
	switch {
	case err == nil:
		head.Sequence = uint64(seq) //nolint:gosec // sequences are positive
		head.Timestamp = time.Unix(0, tsNano).UTC()
		headPtr = &head
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("read custody head: %w", err)
	}

	if err := link(&e, headPtr, l.clock()); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO custody_entries (id, job_id, sequence, action, actor, timestamp_ns, details, previous_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.JobID, int64(e.Sequence), string(e.Action), e.Actor, e.Timestamp.UnixNano(), string(detailsJSON), e.PreviousHash, e.EntryHash) //nolint:gosec // sequences fit in int64
	if err != nil {
		return nil, fmt.Errorf("insert custody entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit custody entry: %w", err)
	}
	return &e, nil
}

func (l *SQLCustodyLog) Entries(ctx context.Context, jobID string) ([]CustodyEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, job_id, sequence, action, actor, timestamp_ns, details, previous_hash, entry_hash
		FROM custody_entries WHERE job_id = $1 ORDER BY sequence ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]CustodyEntry, 0)
	for rows.Next() {
		var (
			e       CustodyEntry
			seq     int64
			tsNano  int64
			action  string
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.JobID, &seq, &action, &e.Actor, &tsNano, &details, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq) //nolint:gosec // sequences are positive
		e.Action = CustodyAction(action)
		e.Timestamp = time.Unix(0, tsNano).UTC()
		if details.Valid && details.String != "" && details.String != "null" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode custody details: %w", err)
			}
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
