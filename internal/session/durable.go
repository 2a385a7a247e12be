package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flitsinc/go-convo/internal/state"
)

// DurableStore is the sqlite-backed durable tier.
type DurableStore struct {
	db *sql.DB
}

func NewDurableStore(db *sql.DB) *DurableStore {
	return &DurableStore{db: db}
}

func (s *DurableStore) InsertMessage(ctx context.Context, msg Message) error {
	metadataJSON, err := state.EncodeJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, state.NullString(metadataJSON), msg.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent limit messages in chronological
// order.
func (s *DurableStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var metadataStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &metadataStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Metadata = state.DecodeJSONMap(metadataStr.String)
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *DurableStore) InsertToolCall(ctx context.Context, rec ToolCallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, session_id, message_id, tool_name, parameters, result, execution_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.CallID, rec.SessionID, state.NullString(rec.MessageID), rec.ToolName,
		state.NullString(string(rec.Params)), state.NullString(string(rec.Result)),
		rec.Duration.Milliseconds(), rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

func (s *DurableStore) ListToolCalls(ctx context.Context, sessionID string, limit int) ([]ToolCallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message_id, tool_name, parameters, result, execution_ms, created_at
		FROM tool_calls
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		var messageID, params, result sql.NullString
		var execMs int64
		var createdAtStr string
		if err := rows.Scan(&rec.CallID, &rec.SessionID, &messageID, &rec.ToolName, &params, &result, &execMs, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		rec.MessageID = messageID.String
		if params.Valid {
			rec.Params = []byte(params.String)
		}
		if result.Valid {
			rec.Result = []byte(result.String)
		}
		rec.Duration = time.Duration(execMs) * time.Millisecond
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool calls: %w", err)
	}
	return out, nil
}

func (s *DurableStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session tool calls: %w", err)
	}
	return nil
}

// SweepBefore is the retention sweep: it removes messages and tool calls
// older than the cutoff and reports how many messages went.
func (s *DurableStore) SweepBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("sweep messages: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count swept messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE created_at < ?`, cutoffStr); err != nil {
		return count, fmt.Errorf("sweep tool calls: %w", err)
	}
	return count, nil
}
