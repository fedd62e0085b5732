package store

import (
	"context"
	"database/sql"
	"fmt"

	"cell-admin/internal/hierarchy"

	"github.com/lib/pq"
)

var mappingCols = []string{
	"cell_id", "resolution",
	"province_id", "province_name",
	"district_id", "district_name",
	"community_id", "community_name",
	"settlement_id", "settlement_name", "settlement_level",
}

const mappingColList = `cell_id, resolution, province_id, province_name, district_id, district_name,
        community_id, community_name, settlement_id, settlement_name, settlement_level`

func refArgs(r *hierarchy.Ref) (any, any) {
	if r == nil {
		return nil, nil
	}
	return r.ID, r.Name
}

func mappingArgs(m hierarchy.Mapping) []any {
	did, dname := refArgs(m.District)
	cid, cname := refArgs(m.Community)
	sid, sname := refArgs(m.Settlement)
	var level any
	if m.Settlement != nil && m.SettlementLevel != "" {
		level = string(m.SettlementLevel)
	}
	return []any{m.CellID, m.Resolution, m.Province.ID, m.Province.Name, did, dname, cid, cname, sid, sname, level}
}

type mappingTx struct {
	tx *sql.Tx
}

// 文档注释：分区事务
// 背景：每个省分区在单一事务内写入，失败整体回滚，已提交分区不受影响。
// 约束：写入先 COPY 到事务级临时表，再 INSERT ... ON CONFLICT DO NOTHING，先写者胜出；
// 同一事务内从缺口表移除这些单元格，回滚时一并撤销。
func (s *Store) InPartition(ctx context.Context, fn func(tx MappingTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE _cell_admin_stage (LIKE cell_admin_mapping INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("create stage: %w", err)
	}
	if err := fn(&mappingTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *mappingTx) Insert(ctx context.Context, rows []hierarchy.Mapping) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := t.tx.PrepareContext(ctx, pq.CopyIn("_cell_admin_stage", mappingCols...))
	if err != nil {
		return 0, err
	}
	for _, m := range rows {
		if _, err := stmt.ExecContext(ctx, mappingArgs(m)...); err != nil {
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
	res, err := t.tx.ExecContext(ctx, `INSERT INTO cell_admin_mapping(`+mappingColList+`)
        SELECT `+mappingColList+` FROM _cell_admin_stage
        ON CONFLICT (cell_id) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	// 重跑后获得映射行的单元格不再是缺口
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cell_admin_gaps WHERE cell_id IN (SELECT cell_id FROM _cell_admin_stage)`); err != nil {
		return 0, fmt.Errorf("clear gaps: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `TRUNCATE _cell_admin_stage`); err != nil {
		return 0, err
	}
	return n, nil
}

// ClearTier：删除该层全部映射行与缺口记录，返回删除的映射行数
func (s *Store) ClearTier(ctx context.Context, resolution int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM cell_admin_mapping WHERE resolution = $1`, resolution)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cell_admin_gaps WHERE resolution = $1`, resolution); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// RecordGaps：记录覆盖缺口；重复记录只刷新 detected_at
func (s *Store) RecordGaps(ctx context.Context, resolution int, cellIDs []string) error {
	if len(cellIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO cell_admin_gaps(cell_id, resolution)
        SELECT unnest($1::text[]), $2
        ON CONFLICT (cell_id) DO UPDATE SET detected_at = now()`, pq.Array(cellIDs), resolution)
	return err
}

// Gaps：该层已记录的缺口单元格
func (s *Store) Gaps(ctx context.Context, resolution int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cell_id FROM cell_admin_gaps WHERE resolution = $1 ORDER BY cell_id`, resolution)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanRef(id sql.NullInt64, name sql.NullString) *hierarchy.Ref {
	if !id.Valid {
		return nil
	}
	return &hierarchy.Ref{ID: id.Int64, Name: name.String}
}

// Mappings：按 cell_id 批量读取映射行；不存在的单元格不出现在结果中
func (s *Store) Mappings(ctx context.Context, cellIDs []string) (map[string]hierarchy.Mapping, error) {
	out := make(map[string]hierarchy.Mapping, len(cellIDs))
	if len(cellIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+mappingColList+` FROM cell_admin_mapping WHERE cell_id = ANY($1)`, pq.Array(cellIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m                   hierarchy.Mapping
			pname               sql.NullString
			did, cid, sid       sql.NullInt64
			dname, cname, sname sql.NullString
			level               sql.NullString
		)
		if err := rows.Scan(&m.CellID, &m.Resolution, &m.Province.ID, &pname, &did, &dname, &cid, &cname, &sid, &sname, &level); err != nil {
			return nil, err
		}
		m.Province.Name = pname.String
		m.District = scanRef(did, dname)
		m.Community = scanRef(cid, cname)
		m.Settlement = scanRef(sid, sname)
		if m.Settlement != nil && level.Valid {
			m.SettlementLevel = hierarchy.Level(level.String)
		}
		out[m.CellID] = m
	}
	return out, rows.Err()
}

// 文档注释：覆盖写入修正结果
// 约束：单事务内逐行 upsert（覆盖已有行，缺口单元格则新增），随后从缺口表移除这些单元格。
func (s *Store) ApplyOverrides(ctx context.Context, rows []hierarchy.Mapping) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cell_admin_mapping(`+mappingColList+`)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (cell_id) DO UPDATE SET
            resolution=EXCLUDED.resolution,
            province_id=EXCLUDED.province_id, province_name=EXCLUDED.province_name,
            district_id=EXCLUDED.district_id, district_name=EXCLUDED.district_name,
            community_id=EXCLUDED.community_id, community_name=EXCLUDED.community_name,
            settlement_id=EXCLUDED.settlement_id, settlement_name=EXCLUDED.settlement_name,
            settlement_level=EXCLUDED.settlement_level,
            updated_at=now()`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	ids := make([]string, 0, len(rows))
	for _, m := range rows {
		if _, err := stmt.ExecContext(ctx, mappingArgs(m)...); err != nil {
			return fmt.Errorf("override %s: %w", m.CellID, err)
		}
		ids = append(ids, m.CellID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cell_admin_gaps WHERE cell_id = ANY($1)`, pq.Array(ids)); err != nil {
		return err
	}
	return tx.Commit()
}
