package routing

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/jordanhubbard/tokenhub/internal/router"
)

// ErrAllProvidersFailed is returned when every attempt in the candidate
// chain (primary plus fallbacks) ends in a retryable failure (§4.6 step 5).
var ErrAllProvidersFailed = errors.New("executor: all providers failed")

// ErrClientCancelled is returned when the caller disconnects mid-attempt
// (§5 Cancellation, §7 client_cancelled).
var ErrClientCancelled = errors.New("executor: client cancelled")

// backoffBase and backoffCap bound the Executor's capped exponential
// backoff between retryable attempts (§4.6 step 3).
const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 1 * time.Second
)

// Candidate is one position in the Executor's attempt chain: a concrete
// model bound to its provider adapter.
type Candidate struct {
	ModelID    string
	ProviderID string
	Adapter    router.Sender
}

// ExecResult is what the Executor hands back to the HTTP layer: either a
// buffered response or a stream, plus the attempt history for the
// DecisionRecorder.
type ExecResult struct {
	ModelID      string
	ProviderID   string
	Response     router.ProviderResponse // set for buffered (non-stream) calls
	Stream       io.ReadCloser           // set for streaming calls
	FallbackUsed bool
	Attempts     []AttemptOutcome
}

// Executor orchestrates a provider call against a RoutingDecision's
// candidate chain with bounded retry-via-fallback (§4.6). It never retries
// the same model twice; a non-retryable failure short-circuits the chain
// immediately.
type Executor struct {
	// Rand is used to jitter backoff delays; overridable for deterministic
	// tests. A single Executor is shared across every concurrent request,
	// so access is serialized through randMu -- *rand.Rand is not safe for
	// concurrent use on its own.
	Rand   *rand.Rand
	randMu sync.Mutex
}

// NewExecutor builds an Executor with a private random source.
func NewExecutor() *Executor {
	return &Executor{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Execute performs at most 1+len(fallbacks) attempts against candidates,
// in order. streaming selects SendStream over Send when the adapter
// supports it; a streaming candidate chain is only ever attempted once bytes
// have not yet left the proxy (the caller is responsible for calling
// Execute before any byte of the prior attempt's stream has been forwarded
// to the client — see §4.6's ordering guarantee).
func (ex *Executor) Execute(ctx context.Context, req router.Request, candidates []Candidate, streaming bool) (ExecResult, error) {
	var attempts []AttemptOutcome
	var fallbackUsed bool

	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return ExecResult{Attempts: attempts, FallbackUsed: fallbackUsed}, ErrClientCancelled
		}

		attemptStart := time.Now()

		if streaming {
			if ss, ok := cand.Adapter.(router.StreamSender); ok {
				stream, err := ss.SendStream(ctx, cand.ModelID, req)
				if err == nil {
					attempts = append(attempts, AttemptOutcome{
						ModelID: cand.ModelID, ProviderID: cand.ProviderID,
						Success: true, LatencyMs: time.Since(attemptStart).Milliseconds(), At: attemptStart,
					})
					return ExecResult{
						ModelID: cand.ModelID, ProviderID: cand.ProviderID,
						Stream: stream, FallbackUsed: fallbackUsed, Attempts: attempts,
					}, nil
				}
				outcome, retryable := ex.classify(cand, err, attemptStart)
				attempts = append(attempts, outcome)
				if !retryable {
					return ExecResult{Attempts: attempts, FallbackUsed: fallbackUsed}, err
				}
				if i == len(candidates)-1 {
					return ExecResult{Attempts: attempts, FallbackUsed: fallbackUsed}, ErrAllProvidersFailed
				}
				fallbackUsed = true
				ex.backoff(ctx, i)
				continue
			}
			// Adapter has no streaming support: fall through to a
			// buffered call and let the caller wrap it as a single chunk.
		}

		resp, err := cand.Adapter.Send(ctx, cand.ModelID, req)
		if err == nil {
			attempts = append(attempts, AttemptOutcome{
				ModelID: cand.ModelID, ProviderID: cand.ProviderID,
				Success: true, LatencyMs: time.Since(attemptStart).Milliseconds(), At: attemptStart,
			})
			return ExecResult{
				ModelID: cand.ModelID, ProviderID: cand.ProviderID,
				Response: resp, FallbackUsed: fallbackUsed, Attempts: attempts,
			}, nil
		}

		outcome, retryable := ex.classify(cand, err, attemptStart)
		attempts = append(attempts, outcome)
		if errors.Is(ctx.Err(), context.Canceled) {
			return ExecResult{Attempts: attempts, FallbackUsed: fallbackUsed}, ErrClientCancelled
		}
		if !retryable {
			// Non-retryable: no further fallback.
			return ExecResult{Attempts: attempts, FallbackUsed: fallbackUsed}, err
		}
		if i == len(candidates)-1 {
			return ExecResult{Attempts: attempts, FallbackUsed: fallbackUsed}, ErrAllProvidersFailed
		}
		fallbackUsed = true
		ex.backoff(ctx, i)
	}

	return ExecResult{Attempts: attempts, FallbackUsed: fallbackUsed}, ErrAllProvidersFailed
}

// classify turns a Send/SendStream error into an AttemptOutcome and reports
// whether the Executor should advance to the next fallback candidate
// (§4.6 steps 3-4): vendor-classified transient errors and classified
// errors of class Transient/RateLimited are retryable; everything else is
// treated as a semantic, non-retryable failure.
func (ex *Executor) classify(cand Candidate, err error, at time.Time) (AttemptOutcome, bool) {
	outcome := AttemptOutcome{
		ModelID: cand.ModelID, ProviderID: cand.ProviderID,
		Success: false, ErrorMsg: err.Error(),
		LatencyMs: time.Since(at).Milliseconds(), At: at,
	}

	var statusErr interface{ Retryable() bool }
	if errors.As(err, &statusErr) {
		retryable := statusErr.Retryable()
		if retryable {
			outcome.ErrorClass = "transient"
		} else {
			outcome.ErrorClass = "fatal"
		}
		return outcome, retryable
	}

	ce := cand.Adapter.ClassifyError(err)
	if ce == nil {
		outcome.ErrorClass = "fatal"
		return outcome, false
	}
	outcome.ErrorClass = string(ce.Class)
	retryable := ce.Class == router.ErrTransient || ce.Class == router.ErrRateLimited
	return outcome, retryable
}

// backoff waits a small capped exponential delay before the next fallback
// attempt (§4.6 step 3: starting ~100ms, capped ~1s). It returns early if
// ctx is cancelled.
func (ex *Executor) backoff(ctx context.Context, attemptIndex int) {
	d := backoffBase << attemptIndex
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	ex.randMu.Lock()
	jitter := time.Duration(ex.Rand.Int63n(int64(d) / 2))
	ex.randMu.Unlock()
	select {
	case <-time.After(d/2 + jitter):
	case <-ctx.Done():
	}
}
