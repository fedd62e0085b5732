package memstore

import (
	"context"

	"cell-admin/internal/fixup"
	"cell-admin/internal/geo"
	"cell-admin/internal/hierarchy"
	"cell-admin/internal/store"
)

// CheckConsistency：与 store.CheckConsistency 相同口径
func (s *Store) CheckConsistency(_ context.Context, resolution int) (store.Consistency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := store.Consistency{Resolution: resolution}
	for id, cell := range s.cells {
		if cell.Resolution != resolution {
			continue
		}
		c.Cells++
		_, mapped := s.mappings[id]
		_, gap := s.gaps[id]
		switch {
		case mapped || gap:
		case geo.ResolutionMismatch(id, resolution):
			c.Rejected++
		default:
			c.Unaccounted++
		}
	}
	for id, r := range s.gaps {
		if r != resolution {
			continue
		}
		c.Gaps++
		if _, ok := s.mappings[id]; ok {
			c.Overlap++
		}
	}

	units := make([]hierarchy.Unit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, s.effective(u))
	}
	ix := store.HierarchyIndex(units)
	enclave := func(id int64) bool {
		e, ok := s.exceptions[id]
		return ok && e.Rule == fixup.Enclave
	}
	for _, m := range s.mappings {
		if m.Resolution != resolution {
			continue
		}
		c.Rows++
		if store.ViolatesHierarchy(ix, m, enclave) {
			c.HierarchyViolations++
		}
	}
	return c, nil
}
