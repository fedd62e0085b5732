package store

import (
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/logger"
)

// 文档注释：一致性校验使用的全量单元索引
// 背景：批处理对缺失 parent_id 的单元按几何推断上级，校验必须使用同一规则，否则正确的行会被记为层级违例。
// 约束：units 需已应用 derived_parent_id；修复失败的单元与批处理一样被排除并在链路中跳过。
func HierarchyIndex(units []hierarchy.Unit) *hierarchy.Index {
	ix, _ := hierarchy.NewIndex(units, hierarchy.IndexOptions{
		InferParents: true,
		Logger:       logger.With("phase", "consistency_check"),
	})
	return ix
}

// ViolatesHierarchy：行内区、社区、聚落任一不在所属省的有效上级链上；含飞地单元的行豁免
func ViolatesHierarchy(ix *hierarchy.Index, m hierarchy.Mapping, enclave func(id int64) bool) bool {
	var ids []int64
	for _, r := range []*hierarchy.Ref{m.District, m.Community, m.Settlement} {
		if r != nil {
			ids = append(ids, r.ID)
		}
	}
	for _, id := range ids {
		if enclave(id) {
			return false
		}
	}
	for _, id := range ids {
		if !ix.HasAncestor(id, m.Province.ID) {
			return true
		}
	}
	return false
}
