package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jordanhubbard/tokenhub/internal/events"
)

// key identifies a (tenant, department) pair.
type key struct {
	tenant     string
	department string
}

// Store is the Ext-B collaborator: the current active policy set per
// (tenant, department), with atomic reload. Policy reload semantics
// (§5, §9): submit new policy -> validate -> atomically swap the snapshot
// pointer -> the old pointer, still referenced by in-flight requests, is
// released (garbage collected) when the last request completes. There is
// never a "half-loaded" policy visible, and the swap itself never blocks
// a request that already holds a snapshot.
type Store struct {
	dir      string
	EventBus *events.Bus

	mu        sync.RWMutex
	snapshots map[key]*atomic.Pointer[DepartmentPolicy]
}

// NewStore creates a PolicyStore rooted at dir. Each file under dir named
// "<tenant>.<department>.yaml" is loaded as that pair's policy.
func NewStore(dir string) *Store {
	return &Store{
		dir:       dir,
		snapshots: make(map[key]*atomic.Pointer[DepartmentPolicy]),
	}
}

// LoadAll reads every policy file in the store's directory. It runs at
// startup and on reload; the server logs a startup failure and keeps
// running without the affected snapshots.
func (s *Store) LoadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("policy store: read dir %s: %w", s.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		tenant, department, ok := fileKey(path)
		if !ok {
			slog.Warn("policy store: skipping file with unrecognized name", slog.String("path", path))
			continue
		}
		p, err := LoadFile(path)
		if err != nil {
			return err
		}
		s.Install(tenant, department, p)
	}
	return nil
}

// Get returns the current immutable snapshot for (tenant, department). A
// request holding the returned pointer observes a single consistent
// policy for its entire lifetime even if Reload runs concurrently
// (§3 invariant 7).
func (s *Store) Get(tenant, department string) (DepartmentPolicy, bool) {
	s.mu.RLock()
	ptr, ok := s.snapshots[key{tenant, department}]
	s.mu.RUnlock()
	if !ok {
		return DepartmentPolicy{}, false
	}
	p := ptr.Load()
	if p == nil {
		return DepartmentPolicy{}, false
	}
	return *p, true
}

// Install validates and atomically publishes a new snapshot for
// (tenant, department), creating the slot if it doesn't exist yet.
func (s *Store) Install(tenant, department string, p DepartmentPolicy) error {
	if err := Validate(p); err != nil {
		return err
	}
	k := key{tenant, department}

	s.mu.Lock()
	ptr, ok := s.snapshots[k]
	if !ok {
		ptr = &atomic.Pointer[DepartmentPolicy]{}
		s.snapshots[k] = ptr
	}
	s.mu.Unlock()

	cp := p
	ptr.Store(&cp)

	if s.EventBus != nil {
		s.EventBus.Publish(events.Event{
			Type:          events.EventPolicyReload,
			Tenant:        tenant,
			Department:    department,
			PolicyVersion: p.Version,
		})
	}
	return nil
}

// Reload re-reads every policy file from disk and atomically republishes
// each snapshot. It is triggered by POST /admin/v1/routing/policies/reload;
// the SIGHUP handler does not call it.
func (s *Store) Reload() error {
	return s.LoadAll()
}

// Snapshot returns every currently loaded (tenant, department) policy,
// for the GET /admin/v1/routing/policies introspection endpoint.
func (s *Store) Snapshot() map[string]DepartmentPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]DepartmentPolicy, len(s.snapshots))
	for k, ptr := range s.snapshots {
		if p := ptr.Load(); p != nil {
			out[k.tenant+"."+k.department] = *p
		}
	}
	return out
}
