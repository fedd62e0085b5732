package store

import (
	"context"

	"cell-admin/internal/progress"
)

// Record：进度表 sink，实现 progress.Sink
func (s *Store) Record(ctx context.Context, ev progress.Event) error {
	var errText any
	if ev.Err != "" {
		errText = ev.Err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO cell_admin_progress(run_id, resolution, partition_id, partition_name,
            produced, inserted, skipped, gaps, elapsed_ms, running_total, status, error)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ev.RunID, ev.Resolution, ev.PartitionID, ev.PartitionName,
		ev.Produced, ev.Inserted, ev.Skipped, ev.Gaps, ev.Elapsed.Milliseconds(), ev.RunningTotal, ev.Status, errText,
	)
	return err
}
