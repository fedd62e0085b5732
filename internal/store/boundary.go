package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cell-admin/internal/hierarchy"
	"cell-admin/internal/logger"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Provinces：全部省级单元，按 id 排序
func (s *Store) Provinces(ctx context.Context) ([]hierarchy.Unit, error) {
	return s.queryUnits(ctx, unitSelect+` WHERE u.level = $1 ORDER BY u.id`, string(hierarchy.Province))
}

// UnitsWithin：几何包围盒与 b 相交的全部层级单元
func (s *Store) UnitsWithin(ctx context.Context, b orb.Bound) ([]hierarchy.Unit, error) {
	return s.queryUnits(ctx, unitSelect+` WHERE u.geom && ST_MakeEnvelope($1, $2, $3, $4, 4326) ORDER BY u.id`, envelopeArgs(b)...)
}

func (s *Store) Unit(ctx context.Context, id int64) (hierarchy.Unit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx, unitSelect+` WHERE u.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("unit %d: %w", id, ErrNotFound)
	}
	return u, err
}

// RepairResult：库内修复的单元
type RepairResult struct {
	ID     int64
	Level  string
	Reason string
}

// 文档注释：库内修复无效几何
// 背景：纯 Go 修复不处理自相交，交由 PostGIS 的 ST_MakeValid 处理后再提取面要素。
// 约束：dryRun 时只列出 ST_IsValid 为假的单元与原因，不写入。
func (s *Store) RepairInvalid(ctx context.Context, dryRun bool) ([]RepairResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, level, ST_IsValidReason(geom) FROM admin_units WHERE NOT ST_IsValid(geom) ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var out []RepairResult
	for rows.Next() {
		var r RepairResult
		if err := rows.Scan(&r.ID, &r.Level, &r.Reason); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if dryRun || len(out) == 0 {
		return out, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE admin_units
        SET geom = ST_Multi(ST_CollectionExtract(ST_MakeValid(geom), 3))
        WHERE id = $1`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for _, r := range out {
		if _, err := stmt.ExecContext(ctx, r.ID); err != nil {
			return nil, fmt.Errorf("repair unit %d: %w", r.ID, err)
		}
		logger.L().Info("geometry_repaired_in_place", "unit_id", r.ID, "level", r.Level, "reason", r.Reason)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertUnits：写入行政单元（开发期种子与测试使用，生产边界由上游维护）
func (s *Store) UpsertUnits(ctx context.Context, units []hierarchy.Unit) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO admin_units(id, level, parent_id, name, geom, area)
        VALUES($1, $2, $3, $4, ST_Multi(ST_GeomFromWKB($5, 4326)), $6)
        ON CONFLICT (id) DO UPDATE SET level=EXCLUDED.level, parent_id=EXCLUDED.parent_id,
            name=EXCLUDED.name, geom=EXCLUDED.geom, area=EXCLUDED.area`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, u := range units {
		raw, err := wkb.Marshal(u.Geom)
		if err != nil {
			return 0, fmt.Errorf("unit %d geometry: %w", u.ID, err)
		}
		var parent any
		if u.ParentID != nil {
			parent = *u.ParentID
		}
		if _, err := stmt.ExecContext(ctx, u.ID, string(u.Level), parent, u.Name, raw, u.Area); err != nil {
			return 0, fmt.Errorf("unit %d: %w", u.ID, err)
		}
	}
	return len(units), tx.Commit()
}
