// Package catalog is the static tier catalog: credit allotments per tier,
// credit costs per feature, and tier feature gates. Pure data, no state.
// Changing catalog values only affects prospective debits and future cycle
// resets; historical usage events keep the cost snapshotted at debit time.
package catalog

import (
	"fmt"

	"tallyo/internal/model"
)

// Entitlement describes what a tier grants.
type Entitlement struct {
	Allotment int64
	// Disabled lists features the tier may not use. Features absent from the
	// cost table are disabled for every tier.
	Disabled map[model.Feature]bool
}

// Catalog answers allotment, cost and gate questions for every tier/feature
// pair. Lookups are total: unknown tiers get a zero allotment and unknown
// features cost zero and are disabled.
type Catalog struct {
	tiers    map[model.Tier]Entitlement
	costs    map[model.Feature]int64
	planRefs map[string]model.Tier
}

// Default returns the production catalog.
func Default() *Catalog {
	return &Catalog{
		tiers: map[model.Tier]Entitlement{
			model.TierFree: {
				Allotment: 250,
				Disabled: map[model.Feature]bool{
					model.FeatureReplayUpload: true,
				},
			},
			model.TierPro: {
				Allotment: 4000,
			},
		},
		costs: map[model.Feature]int64{
			model.FeatureAIChat:       5,
			model.FeatureStatsPull:    10,
			model.FeatureReplayUpload: 25,
			model.FeatureOsirionPull:  50,
		},
		planRefs: map[string]model.Tier{
			"price_pro_monthly": model.TierPro,
			"price_pro_yearly":  model.TierPro,
		},
	}
}

// New builds a catalog from explicit tables, for tests and for deployments
// that override the defaults.
func New(tiers map[model.Tier]Entitlement, costs map[model.Feature]int64, planRefs map[string]model.Tier) *Catalog {
	return &Catalog{tiers: tiers, costs: costs, planRefs: planRefs}
}

// Allotment returns the per-cycle credit allotment for a tier, zero for
// unknown tiers.
func (c *Catalog) Allotment(tier model.Tier) int64 {
	return c.tiers[tier].Allotment
}

// Cost returns the credit cost of a feature, zero for unknown features.
func (c *Catalog) Cost(feature model.Feature) int64 {
	return c.costs[feature]
}

// Enabled reports whether a tier may use a feature. Features without a cost
// entry are disabled everywhere.
func (c *Catalog) Enabled(tier model.Tier, feature model.Feature) bool {
	if _, ok := c.costs[feature]; !ok {
		return false
	}
	ent, ok := c.tiers[tier]
	if !ok {
		return false
	}
	return !ent.Disabled[feature]
}

// TierForPlanRef maps a payment-processor price/plan reference to an internal
// tier. Unrecognized references are an error: a silent default here is how
// tier drift starts.
func (c *Catalog) TierForPlanRef(ref string) (model.Tier, error) {
	if tier, ok := c.planRefs[ref]; ok {
		return tier, nil
	}
	return "", fmt.Errorf("no tier mapping for plan ref %q", ref)
}
