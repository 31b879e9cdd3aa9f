package policy

// MatchClause predicates over a Classification+RiskAssessment. A nil/empty
// field is a wildcard: it always holds. A rule matches iff every specified
// predicate holds (§4.4 step 2).
type MatchClause struct {
	TaskType             string   `yaml:"task_type,omitempty"`
	Complexity           string   `yaml:"complexity,omitempty"`
	CapabilitiesRequired []string `yaml:"capabilities_required,omitempty"`
	RiskMax              string   `yaml:"risk_max,omitempty"`
	Department           string   `yaml:"department,omitempty"`
}

// Action specifies what a matched rule routes to.
type Action struct {
	VirtualModel    string   `yaml:"virtual_model,omitempty"`
	PrimaryModel    string   `yaml:"primary_model,omitempty"`
	FallbackModels  []string `yaml:"fallback_models,omitempty"`
	ModelTier       string   `yaml:"model_tier,omitempty"`
	Rationale       string   `yaml:"rationale,omitempty"`
}

// Ref returns the action's model reference: the virtual model if set,
// otherwise the primary concrete model.
func (a Action) Ref() string {
	if a.VirtualModel != "" {
		return a.VirtualModel
	}
	return a.PrimaryModel
}

// PolicyRule is one ordered predicate/action pair in a DepartmentPolicy.
type PolicyRule struct {
	Name   string      `yaml:"name"`
	Match  MatchClause `yaml:"match"`
	Action Action      `yaml:"action"`
}

// Budget holds the department's tier-downgrade thresholds (§4.4 step 5).
type Budget struct {
	DowngradeAtPct  float64 `yaml:"downgrade_at_pct"`
	ForceCheapAtPct float64 `yaml:"force_cheap_at_pct"`
	MaxTier         string  `yaml:"max_tier,omitempty"`
	// PeriodLimitUSD is the current-period spend ceiling the BudgetStore
	// divides actual spend by to compute utilization percentage. A hard
	// budget exhaustion is expressed by setting ForceCheapAtPct to 100,
	// never by rejecting the request (§9).
	PeriodLimitUSD float64 `yaml:"period_limit_usd,omitempty"`
}

// BaseFallback is the department's always-applicable last-resort rule.
type BaseFallback struct {
	PrimaryModel   string   `yaml:"primary_model"`
	FallbackModels []string `yaml:"fallback_models,omitempty"`
}

// DepartmentPolicy is the full YAML document for one (tenant, department).
type DepartmentPolicy struct {
	Version      string       `yaml:"version"`
	Description  string       `yaml:"description,omitempty"`
	Rules        []PolicyRule `yaml:"rules"`
	Budget       Budget       `yaml:"budget"`
	BaseFallback BaseFallback `yaml:"base_fallback"`
}

// matches reports whether every specified predicate in m holds against the
// given classification/risk/department inputs. Unspecified fields are
// wildcards.
func (m MatchClause) matches(taskType, complexity, department, riskMax string, riskLevelLE func(max string) bool, capabilities []string) bool {
	if m.TaskType != "" && m.TaskType != taskType {
		return false
	}
	if m.Complexity != "" && m.Complexity != complexity {
		return false
	}
	if m.Department != "" && m.Department != department {
		return false
	}
	if m.RiskMax != "" && !riskLevelLE(m.RiskMax) {
		return false
	}
	if len(m.CapabilitiesRequired) > 0 {
		have := make(map[string]bool, len(capabilities))
		for _, c := range capabilities {
			have[c] = true
		}
		for _, req := range m.CapabilitiesRequired {
			if !have[req] {
				return false
			}
		}
	}
	return true
}
