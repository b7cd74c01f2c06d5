package statedb

import (
	"database/sql"
	"time"
)

// End reasons recorded on closed journal rows.
const (
	EndDestroyed = "destroyed"
	EndExited    = "exited"
	EndOrphaned  = "orphaned"
	EndShutdown  = "shutdown"
)

// SessionRow is one journal entry. Open rows have a zero DestroyedAt.
type SessionRow struct {
	ID           string     `json:"id"`
	WorkingDir   string     `json:"workingDir"`
	Kind         string     `json:"kind"`
	State        string     `json:"state"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	DestroyedAt  *time.Time `json:"destroyedAt,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	EndReason    string     `json:"endReason,omitempty"`
}

// Open reports whether the session was still alive when last journaled.
func (r *SessionRow) Open() bool { return r.DestroyedAt == nil }

// InsertSession journals a newly created session.
func (s *StateDB) InsertSession(r *SessionRow) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (
			id, working_dir, kind, state, created_at, last_activity, daemon_pid
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.WorkingDir, r.Kind, r.State,
		r.CreatedAt.UnixMilli(), r.LastActivity.UnixMilli(), s.pid,
	)
	return err
}

// UpdateSessionState records a state transition.
func (s *StateDB) UpdateSessionState(id, state string, lastActivity time.Time) error {
	_, err := s.db.Exec(
		"UPDATE sessions SET state = ?, last_activity = ? WHERE id = ?",
		state, lastActivity.UnixMilli(), id,
	)
	return err
}

// CloseSession marks a session as ended. The first close sets destroyed_at;
// a later call carrying an exit code records it and its reason.
func (s *StateDB) CloseSession(id, reason string, at time.Time, exitCode *int) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE sessions SET destroyed_at = ?, end_reason = ?
		WHERE id = ? AND destroyed_at = 0
	`, at.UnixMilli(), reason, id); err != nil {
		return err
	}
	if code.Valid {
		if _, err := tx.Exec(`
			UPDATE sessions SET exit_code = ?, end_reason = ?
			WHERE id = ? AND exit_code IS NULL
		`, code, reason, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkOrphaned closes journal rows created before startedAt that no live
// daemon owns. A daemon counts as live when it heartbeated within timeout;
// rows stamped with this process's pid always predate it (pid reuse).
// Returns the number of rows closed.
func (s *StateDB) MarkOrphaned(startedAt time.Time, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	res, err := s.db.Exec(`
		UPDATE sessions SET destroyed_at = ?, end_reason = ?
		WHERE destroyed_at = 0
		  AND created_at < ?
		  AND daemon_pid NOT IN (
			SELECT pid FROM instance_heartbeats WHERE heartbeat >= ? AND pid != ?
		  )
	`, startedAt.UnixMilli(), EndOrphaned, startedAt.UnixMilli(), cutoff, s.pid)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecentSessions returns up to limit journal rows, newest first.
func (s *StateDB) RecentSessions(limit int) ([]*SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, working_dir, kind, state, created_at, last_activity,
			destroyed_at, exit_code, end_reason
		FROM sessions ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRow
	for rows.Next() {
		r := &SessionRow{}
		var createdMs, activityMs, destroyedMs int64
		var code sql.NullInt64
		if err := rows.Scan(
			&r.ID, &r.WorkingDir, &r.Kind, &r.State, &createdMs, &activityMs,
			&destroyedMs, &code, &r.EndReason,
		); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdMs)
		if activityMs > 0 {
			r.LastActivity = time.UnixMilli(activityMs)
		}
		if destroyedMs > 0 {
			t := time.UnixMilli(destroyedMs)
			r.DestroyedAt = &t
		}
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
