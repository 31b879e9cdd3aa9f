package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jordanhubbard/tokenhub/internal/apikey"
	"github.com/jordanhubbard/tokenhub/internal/pipeline"
	"github.com/jordanhubbard/tokenhub/internal/policy"
	"github.com/jordanhubbard/tokenhub/internal/providers"
	"github.com/jordanhubbard/tokenhub/internal/router"
	"github.com/jordanhubbard/tokenhub/internal/routing"
	"github.com/jordanhubbard/tokenhub/internal/store"
)

// autoModelSentinel is the Request.model value that opts a request into
// classification-and-policy routing instead of a direct model hint (§3
// Glossary: "requested model identifier (may be the sentinel auto)").
const autoModelSentinel = "auto"

// identityFromHeaders resolves the identity triple from the extension
// headers defined in §6: X-Tenant-Id, X-User-Id, X-Department. Tenant and
// department fall back to "default" so a policy lookup always has a key to
// try, rather than silently routing every unlabeled caller into governance
// gaps.
func identityFromHeaders(r *http.Request) routing.Identity {
	id := routing.Identity{
		TenantID:   r.Header.Get("X-Tenant-Id"),
		UserID:     r.Header.Get("X-User-Id"),
		Department: r.Header.Get("X-Department"),
	}
	if id.TenantID == "" {
		id.TenantID = "default"
	}
	if id.Department == "" {
		id.Department = "default"
	}
	return id
}

// setRoutingHeaders writes the §6 routing metadata headers, required on
// both the buffered and the streaming response paths.
func setRoutingHeaders(w http.ResponseWriter, d routing.RoutingDecision) {
	w.Header().Set("X-Request-Id", d.RequestID)
	w.Header().Set("X-Routing-Model", d.ModelID)
	w.Header().Set("X-Routing-Provider", d.ProviderID)
	w.Header().Set("X-Task-Type", d.Classification.TaskType)
	w.Header().Set("X-Complexity", d.Classification.Complexity)
	w.Header().Set("X-Risk-Level", d.Risk.Level.String())
	w.Header().Set("X-Audit-Required", strconv.FormatBool(d.Risk.AuditRequired))
}

// routedChatCompletions is the classification-and-policy-driven path for
// /v1/chat/completions, used when the client sends model: "auto" and a
// Pipeline is configured. It runs C1-C7 (pre-analysis through audit
// recording) instead of the direct model-hint routing in
// ChatCompletionsHandler.
func routedChatCompletions(d Dependencies, w http.ResponseWriter, r *http.Request, req CompletionsRequest) {
	start := time.Now()
	reqID := middleware.GetReqID(r.Context())
	if reqID == "" {
		reqID = uuid.NewString()
	}
	reqCtx := providers.WithRequestID(r.Context(), reqID)

	apiKeyID := ""
	if rec := apikey.FromContext(r.Context()); rec != nil {
		apiKeyID = rec.ID
	}

	routerReq := router.Request{
		Messages: req.Messages,
		Stream:   req.Stream,
	}

	rc := routing.NewRoutingContext(reqID, identityFromHeaders(r), routerReq)
	dp, result, candidates, err := d.Pipeline.Plan(reqCtx, rc)

	if errors.Is(err, pipeline.ErrPolicyLoadFailed) {
		writeOpenAIError(w, "no policy loaded for tenant/department", "server_error", http.StatusInternalServerError)
		return
	}
	if errors.Is(err, policy.ErrNoRuleMatched) {
		writeOpenAIError(w, err.Error(), "server_error", http.StatusInternalServerError)
		return
	}

	if result.GovernanceBlocked {
		decision := d.Pipeline.BuildDecision(rc, dp.Version, result, routing.ExecResult{}, nil)
		d.Pipeline.Record(reqCtx, rc, decision, false)
		setRoutingHeaders(w, decision)
		writeOpenAIError(w, "request blocked by governance policy: no compliant candidate for this risk level",
			"governance_blocked", http.StatusUnavailableForLegalReasons)
		return
	}

	exec, execErr := d.Pipeline.Executor.Execute(reqCtx, routerReq, candidates, req.Stream)
	decision := d.Pipeline.BuildDecision(rc, dp.Version, result, exec, execErr)
	clientCancelled := errors.Is(execErr, routing.ErrClientCancelled)
	d.Pipeline.Record(reqCtx, rc, decision, clientCancelled)
	setRoutingHeaders(w, decision)

	recordObservability(d, observeParams{
		Ctx:         reqCtx,
		ModelID:     decision.ModelID,
		ProviderID:  decision.ProviderID,
		CostUSD:     decision.EstimatedCostUSD,
		LatencyMs:   time.Since(start).Milliseconds(),
		Success:     execErr == nil,
		ErrorClass:  decision.TerminalError,
		RequestID:   reqID,
		APIKeyID:    apiKeyID,
		InputTokens: decision.InputTokens,
	})

	switch {
	case clientCancelled:
		return
	case errors.Is(execErr, routing.ErrAllProvidersFailed):
		writeOpenAIError(w, "all candidate providers failed", "all_providers_failed", http.StatusBadGateway)
		return
	case execErr != nil:
		writeOpenAIError(w, execErr.Error(), "server_error", http.StatusBadGateway)
		return
	}

	if req.Stream {
		writeRoutedStream(w, decision, exec.Stream)
		return
	}

	oaiResp := buildCompletionsResponse(reqID, decision.ModelID, exec.Response)
	envelope, err := json.Marshal(oaiResp)
	if err != nil {
		writeOpenAIError(w, "encode response: "+err.Error(), "server_error", http.StatusInternalServerError)
		return
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(envelope, &merged); err != nil {
		writeOpenAIError(w, "merge response: "+err.Error(), "server_error", http.StatusInternalServerError)
		return
	}
	merged["x_routing_decision"] = mustMarshal(decision)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(merged)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// writeRoutedStream emits the §6 streaming contract: a named initial
// routing_decision event, then the provider's own SSE byte stream
// passed through unmodified.
func writeRoutedStream(w http.ResponseWriter, decision routing.RoutingDecision, stream io.ReadCloser) {
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	payload := mustMarshal(decision)
	_, _ = w.Write([]byte("event: routing_decision\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	if flusher != nil {
		flusher.Flush()
	}

	if stream == nil {
		return
	}
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > maxStreamBytes {
				break
			}
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}
}

// RoutingPoliciesHandler returns the current policy snapshot for every
// loaded (tenant, department) pair (§6 GET /internal/routing/policies).
func RoutingPoliciesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Pipeline == nil || d.Pipeline.PolicyStore == nil {
			jsonError(w, "routing pipeline not configured", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Pipeline.PolicyStore.Snapshot())
	}
}

// RoutingPoliciesReloadHandler re-reads every policy file from disk and
// atomically swaps each (tenant, department) snapshot (§6, §5 "atomic
// reload"). In-flight requests keep the snapshot they already captured.
func RoutingPoliciesReloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Pipeline == nil || d.Pipeline.PolicyStore == nil {
			jsonError(w, "routing pipeline not configured", http.StatusServiceUnavailable)
			return
		}
		if err := d.Pipeline.PolicyStore.Reload(); err != nil {
			jsonError(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if d.Store != nil {
			d.warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "policy.reload",
			}))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"reloaded": true})
	}
}

// routingSimulateRequest carries synthetic inputs so operators can dry-run
// C2-C4 against a hypothetical request without calling any provider.
type routingSimulateRequest struct {
	Messages        []router.Message `json:"messages"`
	Department      string           `json:"department"`
	TenantID        string           `json:"tenant_id"`
	TaskType        string           `json:"task_type,omitempty"`
	Complexity      string           `json:"complexity,omitempty"`
	RiskLevelHint   string           `json:"risk_level_hint,omitempty"`
}

// RoutingSimulateV2Handler runs the pipeline's planning stages (C1-C4)
// against a synthetic request and returns the resulting RoutingDecision and
// policy trace, performing no provider I/O and no audit write (§6 POST
// /internal/routing/simulate).
func RoutingSimulateV2Handler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Pipeline == nil {
			jsonError(w, "routing pipeline not configured", http.StatusServiceUnavailable)
			return
		}
		var req routingSimulateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			jsonError(w, "messages is required", http.StatusBadRequest)
			return
		}
		identity := routing.Identity{TenantID: req.TenantID, Department: req.Department}
		if identity.TenantID == "" {
			identity.TenantID = "default"
		}
		if identity.Department == "" {
			identity.Department = "default"
		}

		rc := routing.NewRoutingContext(uuid.NewString(), identity, router.Request{Messages: req.Messages})
		dp, result, _, err := d.Pipeline.Plan(r.Context(), rc)
		if err != nil && !errors.Is(err, policy.ErrNoRuleMatched) {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		decision := d.Pipeline.BuildDecision(rc, dp.Version, result, routing.ExecResult{}, err)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(decision)
	}
}

// routingBudgetStatusRequest names the (tenant, user, department) triple to
// report live counters for (§6 POST /internal/routing/budget/status).
type routingBudgetStatusRequest struct {
	TenantID   string `json:"tenant_id"`
	UserID     string `json:"user_id"`
	Department string `json:"department"`
}

// RoutingBudgetStatusHandler reports the current period's budget
// utilization percentage for a (tenant, department) pair, or
// budget_unknown semantics when the backing store can't answer within its
// bounded read window.
func RoutingBudgetStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Pipeline == nil || d.Pipeline.Budget == nil {
			jsonError(w, "budget store not configured", http.StatusServiceUnavailable)
			return
		}
		var req routingBudgetStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		limit := 0.0
		if d.Pipeline.PolicyStore != nil {
			if dp, ok := d.Pipeline.PolicyStore.Get(req.TenantID, req.Department); ok {
				limit = dp.Budget.PeriodLimitUSD
			}
		}
		pct, known := d.Pipeline.Budget.Utilization(r.Context(), req.TenantID, req.Department, limit)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tenant_id":          req.TenantID,
			"user_id":            req.UserID,
			"department":         req.Department,
			"utilization_pct":    pct,
			"known":              known,
			"period_limit_usd":   limit,
		})
	}
}

// AuditLogsV2Handler is a paginated read of the audit sink with filters on
// risk level, department, and audit_required (§6; served at GET /admin/v1/audit/logs).
// It filters by unmarshalling each AuditEntry's Detail (the full
// routing.AuditRecord JSON, written by routing.StoreSink) in-process,
// since the store's own schema only indexes on id/timestamp/action.
func AuditLogsV2Handler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"logs": []any{}})
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := parseIntParam(v); err == nil && n > 0 {
				limit = n
			}
		}
		riskFilter := r.URL.Query().Get("risk_level")
		deptFilter := r.URL.Query().Get("department")
		auditRequiredFilter := r.URL.Query().Get("audit_required")

		entries, err := d.Store.ListAuditLogs(r.Context(), limit*4, 0)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}

		var out []routing.AuditRecord
		for _, e := range entries {
			var rec routing.AuditRecord
			if json.Unmarshal([]byte(e.Detail), &rec) != nil {
				continue
			}
			if riskFilter != "" && rec.Decision.Risk.Level.String() != riskFilter {
				continue
			}
			if deptFilter != "" && rec.Department != deptFilter {
				continue
			}
			if auditRequiredFilter != "" {
				want := auditRequiredFilter == "true"
				if rec.Decision.Risk.AuditRequired != want {
					continue
				}
			}
			out = append(out, rec)
			if len(out) >= limit {
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"logs": out})
	}
}
