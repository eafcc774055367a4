package persistence

import (
	"context"
	"fmt"
)

// SessionWhitelist is the durable per-session tool approval whitelist. It
// satisfies the hook bus's Whitelist interface, so approve-always survives
// process restarts within the same session.
type SessionWhitelist struct {
	store     *Store
	sessionID string
}

// Whitelist scopes the approval whitelist to one session.
func (s *Store) Whitelist(sessionID string) *SessionWhitelist {
	return &SessionWhitelist{store: s, sessionID: sessionID}
}

// Contains reports whether the tool has been whitelisted for this session.
// Lookup failures count as not whitelisted so approval still gets asked.
func (w *SessionWhitelist) Contains(tool string) bool {
	row := w.store.db.QueryRow(`
		SELECT COUNT(1) FROM approval_whitelist WHERE session_id = ? AND tool = ?;
	`, w.sessionID, tool)
	var n int
	if err := row.Scan(&n); err != nil {
		w.store.logger.Warn("whitelist lookup failed", "tool", tool, "error", err)
		return false
	}
	return n > 0
}

// Add whitelists the tool for this session. Adding twice is a no-op.
func (w *SessionWhitelist) Add(tool string) error {
	_, err := w.store.db.ExecContext(context.Background(), `
		INSERT INTO approval_whitelist (session_id, tool, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, tool) DO NOTHING;
	`, w.sessionID, tool, now())
	if err != nil {
		return fmt.Errorf("whitelist tool %s: %w", tool, err)
	}
	return nil
}

// Tools lists the whitelisted tool names for this session.
func (w *SessionWhitelist) Tools(ctx context.Context) ([]string, error) {
	rows, err := w.store.db.QueryContext(ctx, `
		SELECT tool FROM approval_whitelist WHERE session_id = ? ORDER BY tool;
	`, w.sessionID)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tool string
		if err := rows.Scan(&tool); err != nil {
			return nil, fmt.Errorf("scan whitelist: %w", err)
		}
		out = append(out, tool)
	}
	return out, rows.Err()
}
