package policy

import (
	"encoding/json"

	"github.com/jordanhubbard/tokenhub/internal/routing"
	"github.com/jordanhubbard/tokenhub/internal/store"
)

// BuildCatalog adapts the admin-managed model/provider records already
// persisted by internal/store (the same records the bandit engine loads at
// startup) into a policy Catalog, so operators configure one fleet instead
// of two. Disabled models are omitted entirely -- a disabled model should
// never be resolvable by a policy rule, virtual or concrete.
func BuildCatalog(models []store.ModelRecord, providers []store.ProviderRecord) *Catalog {
	tags := make(map[string]ProviderTag, len(providers))
	for _, p := range providers {
		tags[p.ID] = providerTag(p)
	}

	c := NewCatalog()
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		c.UpsertModel(ConcreteModel{
			ID:               m.ID,
			ProviderID:       m.ProviderID,
			ProviderTag:      tags[m.ProviderID],
			Capabilities:     decodeCapabilities(m.Capabilities),
			Tier:             routing.ParseTier(m.Tier),
			InputPer1K:       m.InputPer1K,
			OutputPer1K:      m.OutputPer1K,
			MaxContextTokens: m.MaxContextTokens,
		})
	}
	return c
}

// providerTag resolves a persisted provider's risk-gate tag, defaulting by
// provider type when the operator hasn't set one explicitly: vllm is
// assumed self-hosted, everything else is assumed a direct commercial API.
func providerTag(p store.ProviderRecord) ProviderTag {
	if p.ProviderTag != "" {
		return ProviderTag(p.ProviderTag)
	}
	if p.Type == "vllm" {
		return TagSelfHosted
	}
	return TagDirectCommercial
}

func decodeCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	var caps []string
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return nil
	}
	return caps
}
