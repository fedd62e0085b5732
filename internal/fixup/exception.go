// 包 fixup：已知飞地与跨界单元的数据驱动修正
package fixup

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule：修正规则
type Rule string

const (
	// Enclave：被外省包围的飞地，单元格归属声明的等价单元（未声明时为飞地本身）
	Enclave Rule = "enclave"
	// Within：跨界单元，按“完全在内”重新推导上级
	Within Rule = "within"
)

var (
	ErrUnknownRule = errors.New("fixup: unknown rule")
	ErrBadUnitID   = errors.New("fixup: unit_id must be positive")
)

func ParseRule(s string) (Rule, error) {
	switch r := Rule(strings.ToLower(strings.TrimSpace(s))); r {
	case Enclave, Within:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRule, s)
}

// Exception：异常表中的一条记录
type Exception struct {
	UnitID          int64  `yaml:"unit_id"`
	Rule            Rule   `yaml:"rule"`
	EquivalentID    *int64 `yaml:"equivalent_id,omitempty"`
	Note            string `yaml:"note,omitempty"`
	DerivedParentID *int64 `yaml:"-"`
}

func (e Exception) Validate() error {
	if e.UnitID <= 0 {
		return fmt.Errorf("%w: %d", ErrBadUnitID, e.UnitID)
	}
	if _, err := ParseRule(string(e.Rule)); err != nil {
		return fmt.Errorf("unit %d: %w", e.UnitID, err)
	}
	return nil
}

type file struct {
	Exceptions []Exception `yaml:"exceptions"`
}

// 文档注释：读取 YAML 异常清单
// 约束：顶层键为 exceptions；同一 unit_id 出现多次时以最后一条为准；返回按 unit_id 排序。
func LoadFile(path string) ([]Exception, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) ([]Exception, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse exceptions: %w", err)
	}
	byID := make(map[int64]Exception, len(f.Exceptions))
	for _, e := range f.Exceptions {
		r, err := ParseRule(string(e.Rule))
		if err != nil {
			return nil, fmt.Errorf("unit %d: %w", e.UnitID, err)
		}
		e.Rule = r
		if err := e.Validate(); err != nil {
			return nil, err
		}
		byID[e.UnitID] = e
	}
	out := make([]Exception, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}
