package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers. Every saved
// checkpoint is kept as history; Latest reads the highest sequence.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS study_checkpoints (
	study_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at_ns BIGINT NOT NULL,
	PRIMARY KEY (study_id, sequence)
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) Save(ctx context.Context, cp *contracts.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var have sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM study_checkpoints WHERE study_id = $1`, cp.StudyID,
	).Scan(&have); err != nil {
		return fmt.Errorf("read checkpoint head: %w", err)
	}
	//nolint:gosec // sequences fit in int64
	if have.Valid && int64(cp.Sequence) <= have.Int64 {
		return stale(cp.StudyID, uint64(have.Int64), cp.Sequence)
	}

	//nolint:gosec // sequences fit in int64
	_, err = tx.ExecContext(ctx, `
		INSERT INTO study_checkpoints (study_id, sequence, status, payload, created_at_ns)
		VALUES ($1, $2, $3, $4, $5)
	`, cp.StudyID, int64(cp.Sequence), string(cp.Status), string(payload), cp.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Latest(ctx context.Context, studyID string) (*contracts.Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM study_checkpoints WHERE study_id = $1 ORDER BY sequence DESC LIMIT 1`, studyID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, studyID)
		}
		return nil, err
	}
	var cp contracts.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", studyID, err)
	}
	return &cp, nil
}

func (s *SQLStore) Studies(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT study_id FROM study_checkpoints ORDER BY study_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Prune deletes all but the newest keep checkpoints of a study.
func (s *SQLStore) Prune(ctx context.Context, studyID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM study_checkpoints
		WHERE study_id = $1 AND sequence NOT IN (
			SELECT sequence FROM study_checkpoints WHERE study_id = $1 ORDER BY sequence DESC LIMIT $2
		)
	`, studyID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}
