package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/jordanhubbard/tokenhub/internal/circuitbreaker"
	"github.com/jordanhubbard/tokenhub/internal/routing"
)

// dispatchTimeout bounds how long DecisionSink waits for Temporal to
// accept the workflow start call; it does not wait for the workflow to
// finish (the audit write happens asynchronously on the worker).
const dispatchTimeout = 5 * time.Second

// DecisionSink is the routing.Sink that dispatches each RoutingDecision as
// a Temporal workflow execution (§11 of SPEC_FULL.md). When the circuit
// breaker is open (Temporal degraded or unavailable) it falls back to a
// synchronous sink instead, so the audit trail never depends on Temporal
// being healthy.
type DecisionSink struct {
	Client    client.Client
	TaskQueue string
	Breaker   *circuitbreaker.Breaker
	Fallback  routing.Sink
}

// NewDecisionSink builds a DecisionSink. fallback may be nil, in which
// case a breaker-open record is simply dropped from the durable path
// (the caller is expected to also register fallback directly as its own
// sink in that case).
func NewDecisionSink(c client.Client, taskQueue string, breaker *circuitbreaker.Breaker, fallback routing.Sink) *DecisionSink {
	return &DecisionSink{Client: c, TaskQueue: taskQueue, Breaker: breaker, Fallback: fallback}
}

func (s *DecisionSink) Record(ctx context.Context, rec routing.AuditRecord) error {
	if s.Client == nil || s.Breaker == nil || !s.Breaker.Allow() {
		if s.Fallback != nil {
			return s.Fallback.Record(ctx, rec)
		}
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	_, err := s.Client.ExecuteWorkflow(wctx, client.StartWorkflowOptions{
		ID:        "decision-" + rec.RequestID,
		TaskQueue: s.TaskQueue,
	}, DecisionWorkflow, DecisionInput{Record: rec})
	if err != nil {
		s.Breaker.RecordFailure()
		if s.Fallback != nil {
			return s.Fallback.Record(ctx, rec)
		}
		return err
	}
	s.Breaker.RecordSuccess()
	return nil
}
