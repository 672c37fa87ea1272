package billing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan identifiers shipped in the default catalog.
const (
	PlanFree    = "free"
	PlanStarter = "starter"
	PlanPro     = "pro"
)

// Plan is a subscription tier and its monthly page allowance.
type Plan struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Limit    int      `yaml:"limit" json:"limit"`
	PriceIDs []string `yaml:"price_ids" json:"-"`
}

// Catalog is an immutable plan table. Build it once at startup and pass it to
// every component that needs limits or price mappings.
type Catalog struct {
	plans   map[string]Plan
	order   []string
	byPrice map[string]string
}

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// NewCatalog validates plans and builds a catalog. The free plan is required.
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]string),
	}

	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan with empty id")
		}
		if p.Limit < 0 {
			return nil, fmt.Errorf("plan %s: negative limit %d", p.ID, p.Limit)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id: %s", p.ID)
		}
		for _, price := range p.PriceIDs {
			if price == "" {
				continue
			}
			if owner, dup := c.byPrice[price]; dup {
				return nil, fmt.Errorf("price %s mapped to both %s and %s", price, owner, p.ID)
			}
			c.byPrice[price] = p.ID
		}
		p.PriceIDs = append([]string(nil), p.PriceIDs...)
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}

	if _, ok := c.plans[PlanFree]; !ok {
		return nil, fmt.Errorf("catalog must define the %q plan", PlanFree)
	}

	return c, nil
}

// LoadCatalog reads a YAML plan table:
//
//	plans:
//	  - id: free
//	    limit: 10
//	  - id: starter
//	    limit: 75
//	    price_ids: [price_123]
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}

	return NewCatalog(file.Plans)
}

// DefaultCatalog returns the built-in tiers wired to the given Stripe prices.
// It fails when both tiers are configured with the same price.
func DefaultCatalog(prices PriceIDs) (*Catalog, error) {
	return NewCatalog([]Plan{
		{ID: PlanFree, Name: "Free", Limit: 10},
		{ID: PlanStarter, Name: "Starter", Limit: 75, PriceIDs: []string{prices.Starter}},
		{ID: PlanPro, Name: "Pro", Limit: 300, PriceIDs: []string{prices.Pro}},
	})
}

// Has reports whether planID is in the catalog.
func (c *Catalog) Has(planID string) bool {
	_, ok := c.plans[planID]
	return ok
}

// LimitFor returns the monthly page limit for planID.
// Unknown plans get the free limit.
func (c *Catalog) LimitFor(planID string) int {
	if p, ok := c.plans[planID]; ok {
		return p.Limit
	}
	return c.plans[PlanFree].Limit
}

// ResolvePlanID maps a Stripe price ID to a plan. Unmapped prices resolve to
// the free plan with ok=false so the caller can warn.
func (c *Catalog) ResolvePlanID(priceID string) (planID string, ok bool) {
	if id, found := c.byPrice[priceID]; found && priceID != "" {
		return id, true
	}
	return PlanFree, false
}

// Normalize returns planID if the catalog knows it, otherwise free.
func (c *Catalog) Normalize(planID string) string {
	if c.Has(planID) {
		return planID
	}
	return PlanFree
}

// PriceIDFor returns the first Stripe price for planID, or "" for plans that
// cannot be purchased.
func (c *Catalog) PriceIDFor(planID string) string {
	p, ok := c.plans[planID]
	if !ok {
		return ""
	}
	for _, price := range p.PriceIDs {
		if price != "" {
			return price
		}
	}
	return ""
}

// Plans returns the catalog in declaration order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}
