package store

import (
	"context"

	"cell-admin/internal/hierarchy"

	"github.com/lib/pq"
	"github.com/paulmach/orb"
)

func (s *Store) streamCells(ctx context.Context, fn func(hierarchy.GridCell) error, q string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c hierarchy.GridCell
		var x, y float64
		if err := rows.Scan(&c.ID, &c.Resolution, &x, &y); err != nil {
			return err
		}
		c.Center = orb.Point{x, y}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CellsInBound：逐行回调中心点落在 b 内的单元格，按 cell_id 排序
func (s *Store) CellsInBound(ctx context.Context, resolution int, b orb.Bound, fn func(hierarchy.GridCell) error) error {
	args := append([]any{resolution}, envelopeArgs(b)...)
	return s.streamCells(ctx, fn, `SELECT cell_id, resolution, ST_X(center), ST_Y(center)
        FROM grid_cells
        WHERE resolution = $1 AND center && ST_MakeEnvelope($2, $3, $4, $5, 4326)
        ORDER BY cell_id`, args...)
}

// UnmappedCells：该层尚无映射行的单元格（含已记录为缺口的）
func (s *Store) UnmappedCells(ctx context.Context, resolution int, fn func(hierarchy.GridCell) error) error {
	return s.streamCells(ctx, fn, `SELECT g.cell_id, g.resolution, ST_X(g.center), ST_Y(g.center)
        FROM grid_cells g
        LEFT JOIN cell_admin_mapping m ON m.cell_id = g.cell_id
        WHERE g.resolution = $1 AND m.cell_id IS NULL
        ORDER BY g.cell_id`, resolution)
}

// 文档注释：批量写入网格单元（开发期种子数据）
// 约束：COPY 到临时表后 INSERT ... ON CONFLICT DO NOTHING，重复执行不会产生重复行；返回新增行数。
func (s *Store) InsertCells(ctx context.Context, cells []hierarchy.GridCell) (int64, error) {
	if len(cells) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE _grid_cells_stage (cell_id TEXT, resolution INT, lng DOUBLE PRECISION, lat DOUBLE PRECISION) ON COMMIT DROP`); err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("_grid_cells_stage", "cell_id", "resolution", "lng", "lat"))
	if err != nil {
		return 0, err
	}
	for _, c := range cells {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Resolution, c.Center[0], c.Center[1]); err != nil {
			stmt.Close()
			return 0, err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, err
	}
	if err := stmt.Close(); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO grid_cells(cell_id, resolution, center)
        SELECT cell_id, resolution, ST_SetSRID(ST_MakePoint(lng, lat), 4326) FROM _grid_cells_stage
        ON CONFLICT (cell_id) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
