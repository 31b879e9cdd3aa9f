package policy

import "github.com/jordanhubbard/tokenhub/internal/routing"

// ProviderTag classifies a provider binding for the risk gate (§4.4 step 4
// and §1's direct-commercial / compliant-cloud glossary entries).
type ProviderTag string

const (
	TagDirectCommercial ProviderTag = "direct_commercial"
	TagSelfHosted       ProviderTag = "self_hosted"
	TagCompliantCloud   ProviderTag = "compliant_cloud"
)

// ConcreteModel is a resolved, routable model: provider tag, capability
// set, tier, pricing, and context window, as required by §3's VirtualModel
// entity. Health state is deliberately not carried here — it is looked up
// live from the ProviderRegistry at resolution time, per §5's "readers
// take a point-in-time copy" rule for the health map.
type ConcreteModel struct {
	ID               string
	ProviderID       string
	ProviderTag      ProviderTag
	Capabilities     []string
	Tier             routing.Tier
	InputPer1K       float64
	OutputPer1K      float64
	MaxContextTokens int
}

func (m ConcreteModel) hasAllCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(m.Capabilities))
	for _, c := range m.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Catalog resolves virtual model identifiers to their ordered concrete
// preference list, and concrete model identifiers to their definition. The
// registry indirection (rule -> virtual id -> ordered concrete list) keeps
// policy files stable across model-vendor churn (§9); resolution happens
// at decision time so a catalog update takes effect on the very next
// request without a policy reload.
type Catalog struct {
	models        map[string]ConcreteModel
	order         []string // registration order, for deterministic iteration
	virtualModels map[string][]string // virtual id -> ordered concrete model ids
}

// NewCatalog builds an empty, writable Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		models:        make(map[string]ConcreteModel),
		virtualModels: make(map[string][]string),
	}
}

// UpsertModel registers or replaces a concrete model definition.
func (c *Catalog) UpsertModel(m ConcreteModel) {
	if _, exists := c.models[m.ID]; !exists {
		c.order = append(c.order, m.ID)
	}
	c.models[m.ID] = m
}

// SetVirtualModel defines (or replaces) a virtual model's ordered concrete
// preference list. Entries not present in the catalog are skipped silently
// at resolution time rather than at definition time, since the catalog may
// still be populated when policies load.
func (c *Catalog) SetVirtualModel(virtualID string, concreteIDsInOrder []string) {
	c.virtualModels[virtualID] = concreteIDsInOrder
}

// Lookup returns a single concrete model definition by id.
func (c *Catalog) Lookup(id string) (ConcreteModel, bool) {
	m, ok := c.models[id]
	return m, ok
}

// IsVirtual reports whether id names a virtual model rather than a
// concrete one.
func (c *Catalog) IsVirtual(id string) bool {
	_, ok := c.virtualModels[id]
	return ok
}

// Resolve expands a model reference (virtual or concrete) into its ordered
// concrete candidate list, filtered to models that cover requiredCapabilities.
// A concrete reference resolves to itself (a one-element list) when it
// satisfies the capability filter, or an empty list otherwise.
func (c *Catalog) Resolve(ref string, requiredCapabilities []string) []ConcreteModel {
	var ids []string
	if order, ok := c.virtualModels[ref]; ok {
		ids = order
	} else {
		ids = []string{ref}
	}
	var out []ConcreteModel
	for _, id := range ids {
		m, ok := c.models[id]
		if !ok {
			continue
		}
		if !m.hasAllCapabilities(requiredCapabilities) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ModelsInTier returns every catalog model at exactly the given tier, in
// registration order. Used by budget downgrade to find a substitute when
// the resolved candidate list has nothing at the demoted tier.
func (c *Catalog) ModelsInTier(t routing.Tier) []ConcreteModel {
	var out []ConcreteModel
	for _, id := range c.order {
		if m := c.models[id]; m.Tier == t {
			out = append(out, m)
		}
	}
	return out
}
