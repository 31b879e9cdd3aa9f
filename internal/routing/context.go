// Package routing implements the five-stage request routing pipeline:
// pre-analysis, risk assessment, advisory classification, policy
// resolution, and provider execution. Each stage enriches a RoutingContext
// that is created at HTTP ingress and discarded once the DecisionRecorder
// has emitted its audit entry.
package routing

import (
	"time"

	"github.com/jordanhubbard/tokenhub/internal/router"
)

// Identity is the tenant/user/department triple resolved from request
// headers. It never changes once the RoutingContext is created.
type Identity struct {
	TenantID   string
	UserID     string
	Department string
}

// RiskLevel is ordered low < medium < high < regulated.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskRegulated
)

func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskRegulated:
		return "regulated"
	default:
		return "unknown"
	}
}

// Tier orders concrete models by expected cost and capability.
type Tier int

const (
	TierLocal Tier = iota
	TierFastCheap
	TierBalanced
	TierPowerful
)

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierFastCheap:
		return "fast_cheap"
	case TierBalanced:
		return "balanced"
	case TierPowerful:
		return "powerful"
	default:
		return "unknown"
	}
}

// ParseTier maps a policy-file tier string to a Tier. Unknown strings
// resolve to TierBalanced, the safest default.
func ParseTier(s string) Tier {
	switch s {
	case "local":
		return TierLocal
	case "fast_cheap":
		return TierFastCheap
	case "powerful":
		return TierPowerful
	default:
		return TierBalanced
	}
}

// PreAnalysis is C1's deterministic, immutable output.
type PreAnalysis struct {
	EstimatedInputTokens int
	CodeBlockLangs       []string
	KeywordTags          []string
	ConversationTurns    int
	DepartmentHint       string
	ParseWarnings        []string
}

// RiskAssessment is C2's deterministic output. Once set it propagates
// unchanged through every later stage.
type RiskAssessment struct {
	Level                    RiskLevel
	Rationale                string
	TriggeredSignals         []string
	AuditRequired            bool
	DirectCommercialForbidden bool
}

// ClassifierSource records whether a Classification came from the advisory
// LLM or the heuristic fallback table.
type ClassifierSource string

const (
	ClassifierAdvisoryLLM      ClassifierSource = "advisory_llm"
	ClassifierHeuristicFallback ClassifierSource = "heuristic_fallback"
)

// Classification is C3's advisory output.
type Classification struct {
	TaskType             string
	Complexity           string // simple | medium | complex
	RequiredCapabilities []string
	Confidence           float64
	Source               ClassifierSource
	Department           string
	Rationale            string
}

// TraceResult enumerates the outcomes a policy trace entry can carry.
type TraceResult string

const (
	TraceMatched           TraceResult = "matched"
	TraceSkipped           TraceResult = "skipped"
	TraceNotEvaluated      TraceResult = "not_evaluated"
	TraceRiskOverride      TraceResult = "risk_override"
	TraceBudgetOverride    TraceResult = "budget_override"
	TraceCapabilityUnmet   TraceResult = "capability_unmet"
	TraceFallbackFiltered  TraceResult = "fallback_filtered"
)

// TraceEntry is one line of the PolicyEngine's audit trace.
type TraceEntry struct {
	RuleName string      `json:"rule_name"`
	Result   TraceResult `json:"result"`
	Reason   string      `json:"reason,omitempty"`
}

// AttemptOutcome records one Executor attempt against a provider.
type AttemptOutcome struct {
	ModelID    string    `json:"model_id"`
	ProviderID string    `json:"provider_id"`
	Success    bool      `json:"success"`
	ErrorClass string    `json:"error_class,omitempty"`
	ErrorMsg   string    `json:"error_msg,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	At         time.Time `json:"at"`
}

// RoutingDecision is the committed outcome of the pipeline, produced
// exactly once per Request regardless of whether the provider call
// ultimately succeeds.
type RoutingDecision struct {
	RequestID          string           `json:"request_id"`
	ModelID            string           `json:"model_id,omitempty"`
	ProviderID         string           `json:"provider_id,omitempty"`
	Tier               Tier             `json:"-"`
	TierName           string           `json:"tier,omitempty"`
	RuleMatched        string           `json:"rule_matched,omitempty"`
	VirtualModel       string           `json:"virtual_model,omitempty"`
	FallbackChain      []string         `json:"fallback_chain,omitempty"`
	FallbackUsed       bool             `json:"fallback_used"`
	Confidence         float64          `json:"confidence"`
	Classification     Classification   `json:"classification"`
	Risk               RiskAssessment   `json:"risk"`
	PolicyVersion      string           `json:"policy_version,omitempty"`
	ConstraintsApplied []string         `json:"constraints_applied,omitempty"`
	PolicyTrace        []TraceEntry     `json:"policy_trace"`
	LatencyMs          int64            `json:"latency_ms"`
	EstimatedCostUSD   float64          `json:"estimated_cost_usd"`
	InputTokens        int              `json:"input_tokens"`
	OutputTokens       int              `json:"output_tokens"`
	Attempts           []AttemptOutcome `json:"attempts,omitempty"`
	TerminalError      string           `json:"terminal_error,omitempty"`
	GovernanceBlocked  bool             `json:"governance_blocked,omitempty"`
}

// RoutingContext is created at HTTP ingress and mutated in place by each
// stage C1->C7. It is never shared across requests.
type RoutingContext struct {
	RequestID string
	Identity  Identity
	Request   router.Request

	StartedAt time.Time

	PreAnalysis    PreAnalysis
	Risk           RiskAssessment
	Classification Classification

	// Stage latencies, recorded as each stage completes; feeds the
	// DecisionRecorder's latency breakdown.
	PreAnalyzerMs int64
	RiskMs        int64
	ClassifierMs  int64
	PolicyMs      int64
	ProviderMs    int64
}

// NewRoutingContext seeds a context for a fresh request.
func NewRoutingContext(requestID string, id Identity, req router.Request) *RoutingContext {
	return &RoutingContext{
		RequestID: requestID,
		Identity:  id,
		Request:   req,
		StartedAt: time.Now(),
	}
}
