package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedSessions    int64 `json:"purged_sessions"`
	PurgedConnections int64 `json:"purged_connections"`
}

// RunRetention deletes finalized sessions and closed connections whose end
// is older than days. Open connections and live sessions are never purged.
// days <= 0 keeps everything. Safe to run repeatedly.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retention tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE finalized_at IS NOT NULL AND finalized_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		result.PurgedSessions, _ = res.RowsAffected()

		// Cascades to any unfinalized sessions left behind by the connection.
		res, err = tx.ExecContext(ctx,
			`DELETE FROM connections WHERE closed_at IS NOT NULL AND closed_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("purge connections: %w", err)
		}
		result.PurgedConnections, _ = res.RowsAffected()
		return tx.Commit()
	})
	return result, err
}
