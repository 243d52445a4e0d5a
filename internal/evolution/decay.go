package evolution

import (
	"time"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// isStale reports whether sc has gone unaccessed for longer than the
// staleness window and was accessed fewer than MinAccessCount times.
func isStale(sc *types.Subcategory, cfg Config, now time.Time) bool {
	return now.Sub(sc.LastTouched()) > cfg.StaleAfter && sc.AccessCount < cfg.MinAccessCount
}

// planDecay adds every stale subcategory not in touched to plan, archived
// or deleted per cfg.DecayMode. It returns the number decayed.
func planDecay(plan *storage.EvolutionPlan, subs []*types.Subcategory, touched map[string]bool, cfg Config, now time.Time) int {
	n := 0
	for _, sc := range subs {
		if touched[sc.ID] || !isStale(sc, cfg, now) {
			continue
		}
		if cfg.DecayMode == DecayDelete {
			plan.Delete = append(plan.Delete, sc.ID)
		} else {
			plan.Retire = append(plan.Retire, types.RetiredSubcategory{
				Subcategory: *sc,
				Reason:      types.RetiredDecayed,
				RetiredAt:   now,
			})
		}
		n++
	}
	return n
}
