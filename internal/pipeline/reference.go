package pipeline

import (
	"fmt"

	"github.com/ignite/cohort-estimator/internal/config"
	"github.com/ignite/cohort-estimator/internal/domain"
)

// Reference holds the accepted values for each validated dimension. A nil
// set accepts any value, including empty ones.
type Reference struct {
	countries map[string]bool
	stores    map[string]bool
	tiers     map[string]bool
}

// NewReference builds a validator from the reference section of the config.
func NewReference(cfg config.ReferenceConfig) Reference {
	return Reference{
		countries: toSet(cfg.Countries),
		stores:    toSet(cfg.Stores),
		tiers:     toSet(cfg.EconomicTiers),
	}
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

// Check returns a non-nil error naming the first dimension whose value is
// not in the reference data.
func (r Reference) Check(p domain.UserProductPair) error {
	if r.countries != nil && !r.countries[p.Country] {
		return fmt.Errorf("unknown country %q", p.Country)
	}
	if r.stores != nil && !r.stores[p.Store] {
		return fmt.Errorf("unknown store %q", p.Store)
	}
	if r.tiers != nil && !r.tiers[p.EconomicTier] {
		return fmt.Errorf("unknown economic_tier %q", p.EconomicTier)
	}
	return nil
}
