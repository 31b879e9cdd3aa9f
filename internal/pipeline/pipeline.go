// Package pipeline wires the seven routing-core components (C1-C7) into
// the single entry point the HTTP layer calls for every inbound
// chat-completions request. It exists as its own package, separate from
// internal/routing and internal/policy, because policy.Engine already
// depends on internal/routing's shared types (Classification,
// RiskAssessment, Tier, TraceEntry) -- a Pipeline that depends on both
// would create an import cycle if it lived inside either package.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/jordanhubbard/tokenhub/internal/budget"
	"github.com/jordanhubbard/tokenhub/internal/health"
	"github.com/jordanhubbard/tokenhub/internal/policy"
	"github.com/jordanhubbard/tokenhub/internal/router"
	"github.com/jordanhubbard/tokenhub/internal/routing"
)

// ErrPolicyLoadFailed surfaces as an infrastructure error (§4.4 "Error
// conditions"): routing is never attempted without a policy snapshot for
// the request's (tenant, department) pair. A policy load failure at
// startup is logged and does not stop the process; no exit code is set
// for it.
var ErrPolicyLoadFailed = errors.New("pipeline: no policy snapshot for tenant/department")

// Pipeline owns the five decision stages (C1-C5), the Executor (C6), and
// the DecisionRecorder (C7). A single Pipeline is shared across requests;
// nothing it holds is mutated per-request except through the
// caller-owned RoutingContext.
type Pipeline struct {
	Classifier   *routing.Classifier
	PolicyStore  *policy.Store
	PolicyEngine *policy.Engine
	Budget       *budget.Store
	Engine       *router.Engine
	Health       *health.Tracker
	Executor     *routing.Executor
	Recorder     *routing.Recorder
}

// New builds a Pipeline from its collaborators. Budget and Health may be
// nil (budget_unknown / no health filtering, respectively); every other
// field is required.
func New(classifier *routing.Classifier, policyStore *policy.Store, policyEngine *policy.Engine, budgetStore *budget.Store, engine *router.Engine, healthTracker *health.Tracker, recorder *routing.Recorder) *Pipeline {
	return &Pipeline{
		Classifier:   classifier,
		PolicyStore:  policyStore,
		PolicyEngine: policyEngine,
		Budget:       budgetStore,
		Engine:       engine,
		Health:       healthTracker,
		Executor:     routing.NewExecutor(),
		Recorder:     recorder,
	}
}

// Plan runs stages C1-C5: pre-analysis, risk assessment, advisory
// classification, policy resolution, and candidate-chain construction. It
// performs no provider I/O and records no audit entry -- governance_
// blocked and policy_load_failed outcomes need different handling from a
// normally routed request, so the caller decides what to do with the
// Result before calling Execute.
func (p *Pipeline) Plan(ctx context.Context, rc *routing.RoutingContext) (policy.DepartmentPolicy, policy.Result, []routing.Candidate, error) {
	t0 := time.Now()
	roles, contents := flattenMessages(rc.Request.Messages)
	rc.PreAnalysis = routing.PreAnalyzeMessages(roles, contents)
	rc.PreAnalyzerMs = time.Since(t0).Milliseconds()

	t1 := time.Now()
	rc.Risk = routing.RiskAnalyze(userContents(rc.Request.Messages), rc.PreAnalysis)
	rc.RiskMs = time.Since(t1).Milliseconds()

	t2 := time.Now()
	rc.Classification = p.Classifier.Classify(ctx, rc.Request.Messages, rc.PreAnalysis)
	if rc.Classification.Department == "" {
		rc.Classification.Department = rc.Identity.Department
	}
	rc.ClassifierMs = time.Since(t2).Milliseconds()

	t3 := time.Now()
	defer func() { rc.PolicyMs = time.Since(t3).Milliseconds() }()

	dp, ok := p.PolicyStore.Get(rc.Identity.TenantID, rc.Identity.Department)
	if !ok {
		return policy.DepartmentPolicy{}, policy.Result{}, nil, ErrPolicyLoadFailed
	}

	pct, known := 0.0, true
	if p.Budget != nil {
		pct, known = p.Budget.Utilization(ctx, rc.Identity.TenantID, rc.Identity.Department, dp.Budget.PeriodLimitUSD)
	}

	result, err := p.PolicyEngine.Evaluate(policy.EvalInput{
		Classification: rc.Classification,
		Risk:           rc.Risk,
		Policy:         dp,
		BudgetPct:      pct,
		BudgetKnown:    known,
		IsHealthy:      p.isHealthy,
	})
	if err != nil {
		return dp, result, nil, err
	}
	if result.GovernanceBlocked {
		return dp, result, nil, nil
	}

	return dp, result, p.buildCandidates(result), nil
}

func (p *Pipeline) isHealthy(providerID string) bool {
	if p.Health == nil {
		return true
	}
	return p.Health.IsAvailable(providerID)
}

// buildCandidates binds the policy engine's resolved primary+fallback
// models to live provider adapters (C5's call interface). A model whose
// provider has no registered adapter is dropped from the chain -- it can
// never be called, so carrying it forward would only waste an Executor
// attempt slot.
func (p *Pipeline) buildCandidates(result policy.Result) []routing.Candidate {
	models := append([]policy.ConcreteModel{result.Primary}, result.FallbackChain...)
	candidates := make([]routing.Candidate, 0, len(models))
	for _, m := range models {
		adapter := p.Engine.GetAdapter(m.ProviderID)
		if adapter == nil {
			continue
		}
		candidates = append(candidates, routing.Candidate{
			ModelID:    m.ID,
			ProviderID: m.ProviderID,
			Adapter:    adapter,
		})
	}
	return candidates
}

// BuildDecision assembles the committed RoutingDecision from everything
// the pipeline has gathered so far. exec is the zero value when the
// request never reached the Executor (governance_blocked, no_rule_
// matched, or policy_load_failed).
func (p *Pipeline) BuildDecision(rc *routing.RoutingContext, policyVersion string, result policy.Result, exec routing.ExecResult, terminalErr error) routing.RoutingDecision {
	var fallbackIDs []string
	for _, c := range result.FallbackChain {
		fallbackIDs = append(fallbackIDs, c.ID)
	}

	d := routing.RoutingDecision{
		RequestID:          rc.RequestID,
		ModelID:            exec.ModelID,
		ProviderID:         exec.ProviderID,
		Tier:               result.Tier,
		TierName:           result.Tier.String(),
		RuleMatched:        result.RuleMatched,
		VirtualModel:       result.VirtualModel,
		FallbackChain:      fallbackIDs,
		FallbackUsed:       exec.FallbackUsed,
		Confidence:         rc.Classification.Confidence,
		Classification:     rc.Classification,
		Risk:               rc.Risk,
		PolicyVersion:      policyVersion,
		ConstraintsApplied: result.ConstraintsApplied,
		PolicyTrace:        result.Trace,
		LatencyMs:          rc.PreAnalyzerMs + rc.RiskMs + rc.ClassifierMs + rc.PolicyMs + rc.ProviderMs,
		InputTokens:        rc.PreAnalysis.EstimatedInputTokens,
		Attempts:           exec.Attempts,
		GovernanceBlocked:  result.GovernanceBlocked,
	}
	if exec.ModelID == "" && result.Primary.ID != "" && !result.GovernanceBlocked {
		// Executor never ran or never succeeded: surface the primary the
		// policy selected so the trace stays legible even on total failure.
		d.ModelID = result.Primary.ID
		d.ProviderID = result.Primary.ProviderID
	}
	if terminalErr != nil {
		d.TerminalError = terminalErr.Error()
	}
	return d
}

// Record emits exactly one audit entry for this request (§3 invariant 1).
func (p *Pipeline) Record(ctx context.Context, rc *routing.RoutingContext, decision routing.RoutingDecision, clientCancelled bool) {
	if p.Recorder == nil {
		return
	}
	p.Recorder.Record(ctx, routing.AuditRecord{
		RequestID:       rc.RequestID,
		Timestamp:       rc.StartedAt,
		Tenant:          rc.Identity.TenantID,
		UserID:          rc.Identity.UserID,
		Department:      rc.Identity.Department,
		Decision:        decision,
		ClientCancelled: clientCancelled,
	})
}

func flattenMessages(msgs []router.Message) (roles, contents []string) {
	roles = make([]string, len(msgs))
	contents = make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
		contents[i] = m.Content
	}
	return roles, contents
}

func userContents(msgs []router.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
