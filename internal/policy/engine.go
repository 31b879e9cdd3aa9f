// Package policy implements the PolicyEngine (C4): ordered rule matching,
// virtual-model resolution, capability filtering, the risk hard-gate, and
// budget-driven tier downgrade. It is the hardest component in the
// pipeline because it fuses four independent inputs — classification,
// risk, identity, and live budget status — into one concrete model while
// producing a faithful, fully-ordered policy trace.
package policy

import (
	"errors"

	"github.com/jordanhubbard/tokenhub/internal/routing"
)

// ErrNoRuleMatched is returned when neither a department rule nor the base
// fallback resolves to any candidate, and no emergency default is
// configured.
var ErrNoRuleMatched = errors.New("policy: no rule matched and no emergency default configured")

// Engine evaluates a DepartmentPolicy snapshot against one request's
// classification and risk assessment.
type Engine struct {
	Catalog               *Catalog
	EmergencyDefaultModel string // model id used when nothing else matches
}

// NewEngine builds a PolicyEngine bound to a model catalog.
func NewEngine(catalog *Catalog) *Engine {
	return &Engine{Catalog: catalog}
}

// EvalInput bundles everything step 2-6 of §4.4 needs.
type EvalInput struct {
	Classification routing.Classification
	Risk           routing.RiskAssessment
	Policy         DepartmentPolicy
	BudgetPct      float64
	BudgetKnown    bool
	// IsHealthy reports whether a provider is currently available for a
	// fallback-chain position. The primary model is never filtered here
	// (§4.4 step 6): a flaky primary is the Executor's problem.
	IsHealthy func(providerID string) bool
}

// Result is the committed PolicyEngine output: everything the
// RoutingDecision needs from this stage.
type Result struct {
	Primary            ConcreteModel
	FallbackChain       []ConcreteModel
	Tier               routing.Tier
	RuleMatched        string
	VirtualModel       string
	Trace              []routing.TraceEntry
	ConstraintsApplied []string
	GovernanceBlocked  bool
}

// Evaluate runs the full §4.4 algorithm. The caller is expected to hold a
// single immutable DepartmentPolicy snapshot for the whole request
// (§4.4 step 1); Evaluate itself performs no I/O and is safe to call
// concurrently.
func (e *Engine) Evaluate(in EvalInput) (Result, error) {
	var trace []routing.TraceEntry
	riskLE := riskLevelLEFunc(in.Risk.Level)

	var candidates []ConcreteModel
	var ruleName, virtualModel string
	matched := false

	baseFallbackRule := PolicyRule{
		Name:   "base_fallback",
		Action: Action{PrimaryModel: in.Policy.BaseFallback.PrimaryModel, FallbackModels: in.Policy.BaseFallback.FallbackModels},
	}
	allRules := append(append([]PolicyRule{}, in.Policy.Rules...), baseFallbackRule)

	for i, rule := range allRules {
		if matched {
			trace = append(trace, routing.TraceEntry{RuleName: rule.Name, Result: routing.TraceNotEvaluated})
			continue
		}

		// The synthesized base_fallback entry has no match clause: it is
		// always a candidate once every real rule has been exhausted.
		isBaseFallback := i == len(allRules)-1
		if !isBaseFallback && !rule.Match.matches(
			in.Classification.TaskType, in.Classification.Complexity,
			in.Classification.Department, rule.Match.RiskMax, riskLE,
			in.Classification.RequiredCapabilities) {
			trace = append(trace, routing.TraceEntry{RuleName: rule.Name, Result: routing.TraceSkipped, Reason: "predicate mismatch"})
			continue
		}

		resolved, ok := e.resolveAction(rule.Action, in.Classification.RequiredCapabilities)
		if !ok {
			trace = append(trace, routing.TraceEntry{RuleName: rule.Name, Result: routing.TraceSkipped, Reason: "capability_unmet"})
			continue
		}

		candidates = resolved
		ruleName = rule.Name
		virtualModel = rule.Action.VirtualModel
		matched = true
		trace = append(trace, routing.TraceEntry{RuleName: rule.Name, Result: routing.TraceMatched})
	}

	if !matched {
		if e.EmergencyDefaultModel == "" {
			return Result{Trace: trace}, ErrNoRuleMatched
		}
		if m, ok := e.Catalog.Lookup(e.EmergencyDefaultModel); ok {
			candidates = []ConcreteModel{m}
			ruleName = "emergency_default"
			trace = append(trace, routing.TraceEntry{RuleName: "emergency_default", Result: routing.TraceMatched, Reason: "no rule matched"})
		} else {
			return Result{Trace: trace}, ErrNoRuleMatched
		}
	}

	constraints := []string{}
	if ruleName == "emergency_default" {
		constraints = append(constraints, "emergency_default")
	}

	// Step 4: risk hard gate. Filters, never reroutes (§9).
	if in.Risk.DirectCommercialForbidden {
		before := len(candidates)
		candidates = filterOut(candidates, func(m ConcreteModel) bool { return m.ProviderTag == TagDirectCommercial })
		if len(candidates) < before {
			constraints = append(constraints, "risk_floor_"+in.Risk.Level.String())
			trace = append(trace, routing.TraceEntry{RuleName: ruleName, Result: routing.TraceRiskOverride, Reason: "stripped direct_commercial candidates"})
		}
		if len(candidates) == 0 {
			return Result{Trace: trace, ConstraintsApplied: constraints, GovernanceBlocked: true, RuleMatched: ruleName}, nil
		}
	}

	// Step 5: budget downgrade, soft — never a block (§9).
	if !in.BudgetKnown {
		constraints = append(constraints, "budget_unknown")
	} else if in.Policy.Budget.ForceCheapAtPct > 0 && in.BudgetPct >= in.Policy.Budget.ForceCheapAtPct {
		cheap, ok := e.resolveAction(Action{PrimaryModel: in.Policy.BaseFallback.PrimaryModel, FallbackModels: in.Policy.BaseFallback.FallbackModels}, in.Classification.RequiredCapabilities)
		if ok && in.Risk.DirectCommercialForbidden {
			// The base fallback is policy-wide, not risk-aware: re-apply the
			// same hard gate step 4 already enforced so force_cheap can
			// never hand back a direct_commercial model on a regulated/high
			// risk request (§3 invariant 2, §9 "risk never softened").
			cheap = filterOut(cheap, func(m ConcreteModel) bool { return m.ProviderTag == TagDirectCommercial })
			ok = len(cheap) > 0
		}
		if ok {
			candidates = cheap
		}
		// If the cheap substitute has no risk-compliant candidate, keep the
		// existing (already risk-gate-filtered) candidates rather than
		// adopting an empty or non-compliant list.
		constraints = append(constraints, "budget_force_cheap")
		trace = append(trace, routing.TraceEntry{RuleName: ruleName, Result: routing.TraceBudgetOverride, Reason: "force_cheap_at_pct exceeded"})
	} else if in.Policy.Budget.DowngradeAtPct > 0 && in.BudgetPct >= in.Policy.Budget.DowngradeAtPct {
		candidates = e.demoteTier(candidates, demoteOnce(candidates[0].Tier), in.Classification.RequiredCapabilities, in.Risk.DirectCommercialForbidden)
		constraints = append(constraints, "budget_downgrade")
		trace = append(trace, routing.TraceEntry{RuleName: ruleName, Result: routing.TraceBudgetOverride, Reason: "downgrade_at_pct exceeded"})
	}

	if in.Policy.Budget.MaxTier != "" {
		maxTier := routing.ParseTier(in.Policy.Budget.MaxTier)
		if candidates[0].Tier > maxTier {
			candidates = e.demoteTier(candidates, maxTier, in.Classification.RequiredCapabilities, in.Risk.DirectCommercialForbidden)
			constraints = append(constraints, "max_tier_clamp")
		}
	}

	// Step 6: health filter — fallback positions only.
	if in.IsHealthy != nil && len(candidates) > 1 {
		primary := candidates[0]
		rest := filterOut(candidates[1:], func(m ConcreteModel) bool { return !in.IsHealthy(m.ProviderID) })
		if len(rest) < len(candidates)-1 {
			constraints = append(constraints, "health_filtered")
		}
		candidates = append([]ConcreteModel{primary}, rest...)
	}

	candidates = dedup(candidates)

	return Result{
		Primary:            candidates[0],
		FallbackChain:      candidates[1:],
		Tier:               candidates[0].Tier,
		RuleMatched:        ruleName,
		VirtualModel:       virtualModel,
		Trace:              trace,
		ConstraintsApplied: constraints,
	}, nil
}

func (e *Engine) resolveAction(a Action, requiredCaps []string) ([]ConcreteModel, bool) {
	if a.VirtualModel != "" {
		resolved := e.Catalog.Resolve(a.VirtualModel, requiredCaps)
		return resolved, len(resolved) > 0
	}
	ids := append([]string{a.PrimaryModel}, a.FallbackModels...)
	var out []ConcreteModel
	for _, id := range ids {
		if id == "" {
			continue
		}
		m, ok := e.Catalog.Lookup(id)
		if !ok || !m.hasAllCapabilities(requiredCaps) {
			continue
		}
		out = append(out, m)
	}
	return out, len(out) > 0
}

// demoteTier replaces candidates with the best available substitute at or
// below targetTier, preferring a model already in the candidate list, and
// falling back to any catalog model at that tier otherwise.
func (e *Engine) demoteTier(candidates []ConcreteModel, targetTier routing.Tier, requiredCaps []string, forbidDirectCommercial bool) []ConcreteModel {
	for _, m := range candidates {
		if m.Tier <= targetTier {
			rest := filterOut(candidates, func(o ConcreteModel) bool { return o.ID == m.ID })
			return append([]ConcreteModel{m}, rest...)
		}
	}
	for _, m := range e.Catalog.ModelsInTier(targetTier) {
		if !m.hasAllCapabilities(requiredCaps) {
			continue
		}
		if forbidDirectCommercial && m.ProviderTag == TagDirectCommercial {
			continue
		}
		return append([]ConcreteModel{m}, candidates...)
	}
	// No substitute available at the target tier; keep the existing
	// candidates rather than producing an empty list.
	return candidates
}

func demoteOnce(t routing.Tier) routing.Tier {
	switch t {
	case routing.TierPowerful:
		return routing.TierBalanced
	case routing.TierBalanced:
		return routing.TierFastCheap
	default:
		return t // local and fast_cheap are unaffected
	}
}

func riskLevelLEFunc(level routing.RiskLevel) func(max string) bool {
	return func(max string) bool {
		maxLevel := parseRiskLevel(max)
		return level <= maxLevel
	}
}

func parseRiskLevel(s string) routing.RiskLevel {
	switch s {
	case "low":
		return routing.RiskLow
	case "medium":
		return routing.RiskMedium
	case "high":
		return routing.RiskHigh
	case "regulated":
		return routing.RiskRegulated
	default:
		return routing.RiskRegulated // unrecognized risk_max never excludes a rule by mistake being too permissive
	}
}

func filterOut(models []ConcreteModel, exclude func(ConcreteModel) bool) []ConcreteModel {
	out := make([]ConcreteModel, 0, len(models))
	for _, m := range models {
		if !exclude(m) {
			out = append(out, m)
		}
	}
	return out
}

func dedup(models []ConcreteModel) []ConcreteModel {
	seen := make(map[string]bool, len(models))
	out := make([]ConcreteModel, 0, len(models))
	for _, m := range models {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}
