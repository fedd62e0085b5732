// 包 store：PostgreSQL/PostGIS 数据访问层，覆盖行政边界、网格单元、映射表、缺口、进度与异常表
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cell-admin/internal/geo"
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/logger"

	_ "github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

var ErrNotFound = errors.New("store: not found")

// MappingTx：分区事务内的映射写入
// 约束：Insert 为“不存在才插入”，返回实际新增行数，已存在的行计为跳过
type MappingTx interface {
	Insert(ctx context.Context, rows []hierarchy.Mapping) (int64, error)
}

// Store: 数据库访问入口，持有连接池
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// 单元读取：异常表中的 derived_parent_id 优先于原始 parent_id
const unitSelect = `SELECT u.id, u.level, COALESCE(e.derived_parent_id, u.parent_id), u.name, ST_AsBinary(u.geom), COALESCE(u.area, 0)
        FROM admin_units u
        LEFT JOIN admin_exceptions e ON e.unit_id = u.id`

type scanner interface {
	Scan(dest ...any) error
}

// scanUnit：读取一行单元；层级无法识别时返回 hierarchy.ErrUnknownLevel
func scanUnit(r scanner) (hierarchy.Unit, error) {
	var (
		u      hierarchy.Unit
		level  string
		parent sql.NullInt64
		name   sql.NullString
		raw    []byte
	)
	if err := r.Scan(&u.ID, &level, &parent, &name, &raw, &u.Area); err != nil {
		return u, err
	}
	l, err := hierarchy.ParseLevel(level)
	if err != nil {
		return u, fmt.Errorf("unit %d: %w", u.ID, err)
	}
	u.Level = l
	u.Name = name.String
	if parent.Valid {
		p := parent.Int64
		u.ParentID = &p
	}
	if len(raw) > 0 {
		g, err := wkb.Unmarshal(raw)
		if err != nil {
			return u, fmt.Errorf("unit %d geometry: %w", u.ID, err)
		}
		u.Geom = geo.Polygons(g)
	}
	return u, nil
}

func (s *Store) queryUnits(ctx context.Context, q string, args ...any) ([]hierarchy.Unit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []hierarchy.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if errors.Is(err, hierarchy.ErrUnknownLevel) {
			logger.L().Warn("unit_level_unknown", "err", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func envelopeArgs(b orb.Bound) []any {
	return []any{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}
