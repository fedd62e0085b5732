package store

import (
	"context"
	"database/sql"
	"fmt"

	"cell-admin/internal/geo"
	"cell-admin/internal/hierarchy"
)

// Consistency：单层映射的一致性报告
type Consistency struct {
	Resolution          int
	Cells               int64 // grid_cells 中该层单元格数
	Rows                int64
	Gaps                int64
	Overlap             int64 // 同时出现在映射表与缺口表中的单元格
	Unaccounted         int64 // 既无映射行也未记录为缺口（分区失败或未运行）
	Rejected            int64 // 编号分辨率与层不符，主流程拒绝，不计入 Unaccounted
	HierarchyViolations int64
}

// OK：每格恰好一行或一个缺口（被拒绝的单元格除外），且层级链一致
func (c Consistency) OK() bool {
	return c.Overlap == 0 && c.Unaccounted == 0 && c.HierarchyViolations == 0
}

// 层级候选：沿已存储（推导优先）的上级链到达不了行内省份的行；飞地规则的单元豁免。
// 存储链能到达时推断链必然也能到达，因此只需对候选行按推断规则复核。
const hierarchyCandidatesQuery = `
WITH RECURSIVE up(unit_id, ancestor_id, depth) AS (
    SELECT u.id, COALESCE(e.derived_parent_id, u.parent_id), 1
    FROM admin_units u LEFT JOIN admin_exceptions e ON e.unit_id = u.id
    UNION ALL
    SELECT up.unit_id, COALESCE(e.derived_parent_id, p.parent_id), up.depth + 1
    FROM up
    JOIN admin_units p ON p.id = up.ancestor_id
    LEFT JOIN admin_exceptions e ON e.unit_id = p.id
    WHERE up.depth < 16
)
SELECT m.cell_id, m.province_id, m.district_id, m.community_id, m.settlement_id
FROM cell_admin_mapping m
WHERE m.resolution = $1
  AND NOT EXISTS (
      SELECT 1 FROM admin_exceptions x
      WHERE x.rule = 'enclave' AND x.unit_id IN (m.district_id, m.community_id, m.settlement_id)
  )
  AND (
      (m.district_id IS NOT NULL AND NOT EXISTS (SELECT 1 FROM up WHERE up.unit_id = m.district_id AND up.ancestor_id = m.province_id))
   OR (m.community_id IS NOT NULL AND NOT EXISTS (SELECT 1 FROM up WHERE up.unit_id = m.community_id AND up.ancestor_id = m.province_id))
   OR (m.settlement_id IS NOT NULL AND NOT EXISTS (SELECT 1 FROM up WHERE up.unit_id = m.settlement_id AND up.ancestor_id = m.province_id))
  )`

const unaccountedQuery = `SELECT c.cell_id FROM grid_cells c
    WHERE c.resolution = $1
      AND NOT EXISTS (SELECT 1 FROM cell_admin_mapping m WHERE m.cell_id = c.cell_id)
      AND NOT EXISTS (SELECT 1 FROM cell_admin_gaps g WHERE g.cell_id = c.cell_id)`

// 文档注释：统计该层的覆盖、唯一与层级一致性
// 背景：分辨率不符的 H3 编号在 SQL 中无法解析，未落表单元格逐个在 Go 中分类；正常运行后这类单元格很少。
func (s *Store) CheckConsistency(ctx context.Context, resolution int) (Consistency, error) {
	c := Consistency{Resolution: resolution}
	counts := []struct {
		dst *int64
		q   string
	}{
		{&c.Cells, `SELECT count(*) FROM grid_cells WHERE resolution = $1`},
		{&c.Rows, `SELECT count(*) FROM cell_admin_mapping WHERE resolution = $1`},
		{&c.Gaps, `SELECT count(*) FROM cell_admin_gaps WHERE resolution = $1`},
		{&c.Overlap, `SELECT count(*) FROM cell_admin_gaps g JOIN cell_admin_mapping m ON m.cell_id = g.cell_id WHERE g.resolution = $1`},
	}
	for _, q := range counts {
		if err := s.db.QueryRowContext(ctx, q.q, resolution).Scan(q.dst); err != nil {
			return c, err
		}
	}
	if err := s.countUnaccounted(ctx, &c); err != nil {
		return c, fmt.Errorf("unaccounted: %w", err)
	}
	n, err := s.countViolations(ctx, resolution)
	if err != nil {
		return c, fmt.Errorf("hierarchy: %w", err)
	}
	c.HierarchyViolations = n
	return c, nil
}

func (s *Store) countUnaccounted(ctx context.Context, c *Consistency) error {
	rows, err := s.db.QueryContext(ctx, unaccountedQuery, c.Resolution)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		if geo.ResolutionMismatch(id, c.Resolution) {
			c.Rejected++
		} else {
			c.Unaccounted++
		}
	}
	return rows.Err()
}

// countViolations：SQL 找出候选行，再用与批处理相同的推断索引复核
func (s *Store) countViolations(ctx context.Context, resolution int) (int64, error) {
	rows, err := s.db.QueryContext(ctx, hierarchyCandidatesQuery, resolution)
	if err != nil {
		return 0, err
	}
	var cands []hierarchy.Mapping
	for rows.Next() {
		var (
			m             hierarchy.Mapping
			did, cid, sid sql.NullInt64
		)
		if err := rows.Scan(&m.CellID, &m.Province.ID, &did, &cid, &sid); err != nil {
			rows.Close()
			return 0, err
		}
		m.District = scanRef(did, sql.NullString{})
		m.Community = scanRef(cid, sql.NullString{})
		m.Settlement = scanRef(sid, sql.NullString{})
		cands = append(cands, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(cands) == 0 {
		return 0, nil
	}
	units, err := s.queryUnits(ctx, unitSelect+` ORDER BY u.id`)
	if err != nil {
		return 0, err
	}
	ix := HierarchyIndex(units)
	// 飞地行已在 SQL 中排除
	notEnclave := func(int64) bool { return false }
	var n int64
	for _, m := range cands {
		if ViolatesHierarchy(ix, m, notEnclave) {
			n++
		}
	}
	return n, nil
}
