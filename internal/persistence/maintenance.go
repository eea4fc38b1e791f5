package persistence

import (
	"context"
	"fmt"
)

// PruneCounts reports rows deleted in one maintenance pass.
type PruneCounts struct {
	Tasks    int64
	Audit    int64
	Memories int64
	LongTerm int64
}

// Prune applies age-based and keep-newest-N retention to every pruned table.
// Cutoffs are unix seconds; maxRows <= 0 disables the row cap for that table.
func (s *Store) Prune(ctx context.Context, taskCutoff int64, tasksMaxRows int,
	auditCutoff int64, auditMaxRows int,
	memoryCutoff int64, memoryMaxRows int,
	longTermCutoff int64, longTermMaxRows int) (PruneCounts, error) {

	var counts PruneCounts
	var err error

	counts.Tasks, err = s.pruneTable(ctx, "tasks", "created_at", "task_id", taskCutoff, tasksMaxRows)
	if err != nil {
		return counts, err
	}
	counts.Audit, err = s.pruneTable(ctx, "audit_logs", "ts", "id", auditCutoff, auditMaxRows)
	if err != nil {
		return counts, err
	}
	counts.Memories, err = s.pruneTable(ctx, "memories", "created_at", "id", memoryCutoff, memoryMaxRows)
	if err != nil {
		return counts, err
	}
	counts.LongTerm, err = s.pruneTable(ctx, "long_term_memories", "updated_at", "id", longTermCutoff, longTermMaxRows)
	if err != nil {
		return counts, err
	}
	return counts, nil
}

// pruneTable deletes rows whose time column is before cutoff, then trims the
// table to the newest maxRows rows by key.
func (s *Store) pruneTable(ctx context.Context, table, timeCol, keyCol string, cutoff int64, maxRows int) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		deleted = 0
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s < ?;`, table, timeCol), cutoff)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted += n

		if maxRows <= 0 {
			return nil
		}
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE %s IN (
				SELECT %s FROM %s ORDER BY %s DESC, rowid DESC LIMIT -1 OFFSET ?
			);`, table, keyCol, keyCol, table, timeCol), maxRows)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		deleted += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", table, err)
	}
	return deleted, nil
}
