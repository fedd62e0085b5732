package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"cell-admin/internal/logger"
)

var stmts = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`CREATE TABLE IF NOT EXISTS admin_units (
            id BIGINT PRIMARY KEY,
            level TEXT NOT NULL,
            parent_id BIGINT NULL,
            name TEXT NOT NULL DEFAULT '',
            geom geometry(MultiPolygon, 4326) NOT NULL,
            area DOUBLE PRECISION
        )`,
	`CREATE INDEX IF NOT EXISTS idx_admin_units_geom ON admin_units USING GIST (geom)`,
	`CREATE INDEX IF NOT EXISTS idx_admin_units_level ON admin_units(level)`,
	`CREATE TABLE IF NOT EXISTS grid_cells (
            cell_id TEXT PRIMARY KEY,
            resolution INT NOT NULL,
            center geometry(Point, 4326) NOT NULL
        )`,
	`CREATE INDEX IF NOT EXISTS idx_grid_cells_center ON grid_cells USING GIST (center)`,
	`CREATE INDEX IF NOT EXISTS idx_grid_cells_resolution ON grid_cells(resolution)`,
	`CREATE TABLE IF NOT EXISTS cell_admin_mapping (
            cell_id TEXT PRIMARY KEY,
            resolution INT NOT NULL,
            province_id BIGINT NOT NULL,
            province_name TEXT NOT NULL DEFAULT '',
            district_id BIGINT NULL,
            district_name TEXT NULL,
            community_id BIGINT NULL,
            community_name TEXT NULL,
            settlement_id BIGINT NULL,
            settlement_name TEXT NULL,
            settlement_level TEXT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
	`CREATE INDEX IF NOT EXISTS idx_cell_admin_mapping_resolution ON cell_admin_mapping(resolution)`,
	`CREATE INDEX IF NOT EXISTS idx_cell_admin_mapping_province ON cell_admin_mapping(province_id)`,
	`CREATE TABLE IF NOT EXISTS cell_admin_gaps (
            cell_id TEXT PRIMARY KEY,
            resolution INT NOT NULL,
            detected_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
	`CREATE TABLE IF NOT EXISTS cell_admin_progress (
            id BIGSERIAL PRIMARY KEY,
            run_id TEXT NOT NULL,
            resolution INT NOT NULL,
            partition_id BIGINT NOT NULL DEFAULT 0,
            partition_name TEXT NOT NULL DEFAULT '',
            produced BIGINT NOT NULL DEFAULT 0,
            inserted BIGINT NOT NULL DEFAULT 0,
            skipped BIGINT NOT NULL DEFAULT 0,
            gaps BIGINT NOT NULL DEFAULT 0,
            elapsed_ms BIGINT NOT NULL DEFAULT 0,
            running_total BIGINT NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            error TEXT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
	`CREATE INDEX IF NOT EXISTS idx_cell_admin_progress_run ON cell_admin_progress(run_id, resolution)`,
	`CREATE TABLE IF NOT EXISTS admin_exceptions (
            unit_id BIGINT PRIMARY KEY,
            rule TEXT NOT NULL CHECK (rule IN ('enclave', 'within')),
            equivalent_id BIGINT NULL,
            note TEXT NULL,
            derived_parent_id BIGINT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
}

// 背景：首次运行自动创建所需表与索引，保障后续映射与修正
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；不修改已存在表的列
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("schema stmt %d: %w", i, err)
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
