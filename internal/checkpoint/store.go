package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/state"
)

// blobVersion tags every serialized snapshot so future schema revisions stay
// detectable. Blobs with a higher version than this store understands are
// treated the same as corrupt ones: skipped with a warning.
const blobVersion = 1

type blob struct {
	V     int             `json:"v"`
	State json.RawMessage `json:"state"`
}

// Checkpoint is an immutable snapshot of conversation state. CheckpointID is
// monotonically increasing per thread; "latest" means max created_at with
// ties broken by checkpoint_id.
type Checkpoint struct {
	ThreadID     string          `json:"thread_id"`
	CheckpointID int64           `json:"checkpoint_id"`
	State        json.RawMessage `json:"state"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PersistenceError wraps a failed save. Loads never produce it: a checkpoint
// that cannot be read must never block a fresh turn from starting.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type ListFilter struct {
	Limit  int
	Before time.Time
}

// Store is an append-only checkpoint store over the shared sqlite handle.
// Rows are never updated; deletion is explicit and total per thread.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// Save serializes st and appends it as the thread's next checkpoint. The
// per-thread id is allocated inside the insert transaction, so concurrent
// saves for one thread always get distinct, ordered ids.
func (s *Store) Save(ctx context.Context, threadID string, st any, metadata map[string]any) (int64, error) {
	if threadID == "" {
		return 0, &PersistenceError{Op: "save", Err: fmt.Errorf("thread id is required")}
	}
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return 0, &PersistenceError{Op: "save", Err: fmt.Errorf("serialize state: %w", err)}
	}
	blobJSON, err := json.Marshal(blob{V: blobVersion, State: stateJSON})
	if err != nil {
		return 0, &PersistenceError{Op: "save", Err: fmt.Errorf("serialize blob: %w", err)}
	}
	metadataJSON, err := state.EncodeJSON(metadata)
	if err != nil {
		return 0, &PersistenceError{Op: "save", Err: fmt.Errorf("serialize metadata: %w", err)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &PersistenceError{Op: "save", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var next int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(checkpoint_id), 0) + 1 FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&next)
	if err != nil {
		return 0, &PersistenceError{Op: "save", Err: fmt.Errorf("allocate checkpoint id: %w", err)}
	}

	createdAt := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, threadID, next, string(blobJSON), state.NullString(metadataJSON), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, &PersistenceError{Op: "save", Err: fmt.Errorf("insert checkpoint: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return 0, &PersistenceError{Op: "save", Err: err}
	}
	return next, nil
}

// LoadLatest returns the newest readable checkpoint for a thread, or nil
// when none exists. A corrupt or future-versioned blob logs a warning and
// returns nil rather than an error.
func (s *Store) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_id, state, metadata, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1
	`, threadID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}

	var b blob
	if err := json.Unmarshal(cp.State, &b); err != nil {
		s.log.Warn().Str("thread_id", threadID).Int64("checkpoint_id", cp.CheckpointID).Err(err).
			Msg("skipping corrupt checkpoint blob")
		return nil, nil
	}
	if b.V > blobVersion {
		s.log.Warn().Str("thread_id", threadID).Int64("checkpoint_id", cp.CheckpointID).Int("blob_version", b.V).
			Msg("skipping checkpoint from a newer schema version")
		return nil, nil
	}
	cp.State = b.State
	return cp, nil
}

// List returns a thread's checkpoints newest first. Blobs are returned raw
// (still wrapped) so operational tooling can inspect them as stored.
func (s *Store) List(ctx context.Context, threadID string, filter ListFilter) ([]*Checkpoint, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT thread_id, checkpoint_id, state, metadata, created_at
		FROM checkpoints
		WHERE thread_id = ?`
	args := []any{threadID}
	if !filter.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.Before.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY created_at DESC, checkpoint_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// Delete removes every checkpoint for a thread and reports how many went.
func (s *Store) Delete(ctx context.Context, threadID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted checkpoints: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var stateStr, createdAtStr string
	var metadataStr sql.NullString
	if err := row.Scan(&cp.ThreadID, &cp.CheckpointID, &stateStr, &metadataStr, &createdAtStr); err != nil {
		return nil, err
	}
	cp.State = json.RawMessage(stateStr)
	cp.Metadata = state.DecodeJSONMap(metadataStr.String)
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return &cp, nil
}
