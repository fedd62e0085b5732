// 包 hierarchy：行政层级模型与网格单元的逐级包含判定
package hierarchy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// Level：行政层级
type Level string

const (
	Province    Level = "province"
	District    Level = "district"
	Community   Level = "community"
	SettlementA Level = "settlement_a" // 最细：街区/社区级聚落
	SettlementB Level = "settlement_b" // 城镇/城区中心
	SettlementC Level = "settlement_c" // 区县行政中心
)

// SettlementTiers：聚落子层按优先级排列，最细优先
var SettlementTiers = []Level{SettlementA, SettlementB, SettlementC}

// Levels：由粗到细
var Levels = []Level{Province, District, Community, SettlementC, SettlementB, SettlementA}

var ErrUnknownLevel = errors.New("hierarchy: unknown level")

// ParseLevel：解析层级文本，兼容 settlement-tier-a 等连字符写法
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-tier-", "_")
	s = strings.ReplaceAll(s, "-", "_")
	for _, l := range Levels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

// Rank：嵌套深度，省为 0；数值越大越细
func (l Level) Rank() int {
	for i, x := range Levels {
		if x == l {
			return i
		}
	}
	return -1
}

func (l Level) IsSettlement() bool {
	return l == SettlementA || l == SettlementB || l == SettlementC
}

// Unit：行政单元；ParentID 为弱引用，可为空
type Unit struct {
	ID       int64
	Level    Level
	ParentID *int64
	Name     string
	Geom     orb.MultiPolygon
	Area     float64
}

func (u Unit) Ref() Ref { return Ref{ID: u.ID, Name: u.Name} }

// GridCell：上游产出的网格单元，只读
type GridCell struct {
	ID         string
	Resolution int
	Center     orb.Point
}

// Ref：映射行中的单元引用
type Ref struct {
	ID   int64
	Name string
}

// Mapping：单元格到各层行政单元的归属，一格一行
type Mapping struct {
	CellID          string
	Resolution      int
	Province        Ref
	District        *Ref
	Community       *Ref
	Settlement      *Ref
	SettlementLevel Level
}

// Field：按层级取映射字段；聚落子层共用 Settlement 字段
func (m *Mapping) Field(l Level) *Ref {
	switch {
	case l == Province:
		r := m.Province
		return &r
	case l == District:
		return m.District
	case l == Community:
		return m.Community
	case l.IsSettlement():
		if m.SettlementLevel == l {
			return m.Settlement
		}
	}
	return nil
}

// Set：按层级写入映射字段
func (m *Mapping) Set(l Level, r *Ref) {
	switch {
	case l == Province:
		if r != nil {
			m.Province = *r
		}
	case l == District:
		m.District = r
	case l == Community:
		m.Community = r
	case l.IsSettlement():
		m.Settlement = r
		m.SettlementLevel = l
		if r == nil {
			m.SettlementLevel = ""
		}
	}
}

// Outcome：单格判定结果
type Outcome int

const (
	Mapped   Outcome = iota
	Gap              // 不在任何省级单元内
	Rejected         // 编号自带分辨率与当前层不一致
)

func (o Outcome) String() string {
	switch o {
	case Mapped:
		return "mapped"
	case Gap:
		return "gap"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

func refPtr(r Ref) *Ref { return &r }
