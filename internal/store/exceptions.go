package store

import (
	"context"
	"database/sql"
	"fmt"

	"cell-admin/internal/fixup"
)

// Exceptions：读取异常表，按 unit_id 排序；规则无法识别的记录返回错误
func (s *Store) Exceptions(ctx context.Context) ([]fixup.Exception, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT unit_id, rule, equivalent_id, COALESCE(note, ''), derived_parent_id
        FROM admin_exceptions ORDER BY unit_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fixup.Exception
	for rows.Next() {
		var (
			e        fixup.Exception
			rule     string
			eq, dpar sql.NullInt64
		)
		if err := rows.Scan(&e.UnitID, &rule, &eq, &e.Note, &dpar); err != nil {
			return nil, err
		}
		r, err := fixup.ParseRule(rule)
		if err != nil {
			return nil, fmt.Errorf("exception %d: %w", e.UnitID, err)
		}
		e.Rule = r
		if eq.Valid {
			v := eq.Int64
			e.EquivalentID = &v
		}
		if dpar.Valid {
			v := dpar.Int64
			e.DerivedParentID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertExceptions：写入异常清单；规则变更时清空已推导的上级
func (s *Store) UpsertExceptions(ctx context.Context, exs []fixup.Exception) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO admin_exceptions(unit_id, rule, equivalent_id, note)
        VALUES($1,$2,$3,$4)
        ON CONFLICT (unit_id) DO UPDATE SET
            rule=EXCLUDED.rule, equivalent_id=EXCLUDED.equivalent_id, note=EXCLUDED.note,
            derived_parent_id=CASE WHEN admin_exceptions.rule = EXCLUDED.rule THEN admin_exceptions.derived_parent_id END,
            updated_at=now()`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, e := range exs {
		if err := e.Validate(); err != nil {
			return 0, err
		}
		var eq any
		if e.EquivalentID != nil {
			eq = *e.EquivalentID
		}
		if _, err := stmt.ExecContext(ctx, e.UnitID, string(e.Rule), eq, e.Note); err != nil {
			return 0, fmt.Errorf("exception %d: %w", e.UnitID, err)
		}
	}
	return len(exs), tx.Commit()
}

// SetDerivedParent：持久化 within 规则推导出的上级，后续主流程读取单元时优先使用
func (s *Store) SetDerivedParent(ctx context.Context, unitID, parentID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE admin_exceptions SET derived_parent_id=$2, updated_at=now() WHERE unit_id=$1`, unitID, parentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// 来自 YAML 而未入表的 within 规则，补一条记录
		_, err = s.db.ExecContext(ctx, `INSERT INTO admin_exceptions(unit_id, rule, derived_parent_id) VALUES($1, $2, $3)
            ON CONFLICT (unit_id) DO UPDATE SET derived_parent_id=EXCLUDED.derived_parent_id, updated_at=now()`,
			unitID, string(fixup.Within), parentID)
	}
	return err
}
