package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jordanhubbard/tokenhub/internal/store"
)

// Sink receives one append-only RoutingDecision record per request (§4.7:
// "the recorder's interface supports at least two sinks ... which receive
// identical payloads").
type Sink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// AuditRecord is the full §4.7 payload: everything a RoutingDecision
// carries, plus the identity triple and wall-clock timestamps a decision
// alone doesn't capture.
type AuditRecord struct {
	RequestID      string          `json:"request_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Tenant         string          `json:"tenant"`
	UserID         string          `json:"user_id"`
	Department     string          `json:"department"`
	Decision       RoutingDecision `json:"decision"`
	ClientCancelled bool           `json:"client_cancelled,omitempty"`
}

// Recorder is the DecisionRecorder (C7). It fans one AuditRecord out to
// every configured sink; a sink failure is logged, never returned to the
// caller, since the audit write must not become a user-visible failure
// mode on top of whatever the routing pipeline already decided.
type Recorder struct {
	sinks []Sink
}

// NewRecorder builds a Recorder over the given sinks, in the order they
// should be written.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

// Record emits rec to every sink. Each Request produces exactly one call
// to Record (§3 invariant 1), even when the provider call ultimately
// errors.
func (r *Recorder) Record(ctx context.Context, rec AuditRecord) {
	for _, s := range r.sinks {
		if err := s.Record(ctx, rec); err != nil {
			slog.Warn("decision recorder: sink write failed", slog.String("request_id", rec.RequestID), slog.String("error", err.Error()))
		}
	}
}

// FileSink appends newline-delimited JSON records to a file (§6's "Audit
// record format"). Writes are serialized by a mutex; a single os.File
// handle is kept open for the sink's lifetime.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (creating if necessary) an append-only ndjson file at
// path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("decision recorder: open audit file %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

// Record appends one JSON line. It never reorders or batches: each call is
// a single complete write under the sink's mutex, so concurrent requests
// never interleave partial lines.
func (s *FileSink) Record(_ context.Context, rec AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(line)
	return err
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	return s.file.Close()
}

// StoreSink persists each record as a store.AuditEntry, giving the audit
// trail a queryable home alongside the rest of the persistent store
// (GET /admin/v1/audit/logs, §6) independent of the ndjson file's
// filesystem location.
type StoreSink struct {
	Backend store.Store
}

// NewStoreSink wraps a store.Store as a DecisionRecorder sink.
func NewStoreSink(backend store.Store) *StoreSink {
	return &StoreSink{Backend: backend}
}

func (s *StoreSink) Record(ctx context.Context, rec AuditRecord) error {
	detail, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Backend.LogAudit(ctx, store.AuditEntry{
		Timestamp: rec.Timestamp,
		Action:    "routing.decision",
		Resource:  rec.Decision.ModelID,
		Detail:    string(detail),
		RequestID: rec.RequestID,
	})
}
