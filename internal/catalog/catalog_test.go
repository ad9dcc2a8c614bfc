package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallyo/internal/model"
)

func TestDefaultAllotments(t *testing.T) {
	c := Default()

	assert.Equal(t, int64(250), c.Allotment(model.TierFree))
	assert.Equal(t, int64(4000), c.Allotment(model.TierPro))
	assert.Equal(t, int64(0), c.Allotment(model.Tier("enterprise")))
}

func TestCostLookupIsTotal(t *testing.T) {
	c := Default()

	assert.Equal(t, int64(50), c.Cost(model.FeatureOsirionPull))
	assert.Equal(t, int64(5), c.Cost(model.FeatureAIChat))
	assert.Equal(t, int64(0), c.Cost(model.Feature("time_travel")))
}

func TestFeatureGates(t *testing.T) {
	c := Default()

	assert.True(t, c.Enabled(model.TierFree, model.FeatureAIChat))
	assert.False(t, c.Enabled(model.TierFree, model.FeatureReplayUpload))
	assert.True(t, c.Enabled(model.TierPro, model.FeatureReplayUpload))

	// unknown feature or tier is disabled, never a panic
	assert.False(t, c.Enabled(model.TierPro, model.Feature("time_travel")))
	assert.False(t, c.Enabled(model.Tier("enterprise"), model.FeatureAIChat))
}

func TestTierForPlanRef(t *testing.T) {
	c := Default()

	tier, err := c.TierForPlanRef("price_pro_monthly")
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, tier)

	_, err = c.TierForPlanRef("price_from_old_deploy")
	assert.Error(t, err)
}
