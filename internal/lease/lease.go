// Package lease arbitrates working-directory ownership across
// supervisor processes. A lease is a time-bounded claim on one workdir,
// persisted to a shared file so a second daemon on the same machine
// cannot drive the same checkout concurrently.
package lease

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultExpiryTimeout is the default lease duration when no
	// config override is provided. Active runs renew before expiry;
	// crashed owners fall off after this window.
	DefaultExpiryTimeout = 10 * time.Minute
)

var (
	// ErrConflict indicates an attempted acquisition overlaps with an
	// existing lease held by another session.
	ErrConflict = errors.New("workdir lease conflict")
)

// Lease tracks one session's claim on a working directory.
type Lease struct {
	SessionID  string    `json:"sessionId"`
	Workdir    string    `json:"workdir"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ManagerConfig controls lease manager behavior.
type ManagerConfig struct {
	ExpiryTimeout time.Duration
}

// Store persists lease state.
type Store interface {
	Load(ctx context.Context) ([]Lease, error)
	Save(ctx context.Context, leases []Lease) error
}

// Manager manages lease acquisition, conflict checks, renewal, and
// release.
type Manager struct {
	store         Store
	now           func() time.Time
	expiryTimeout time.Duration
}

// NewManager constructs a lease manager with the configured expiry.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ExpiryTimeout <= 0 {
		cfg.ExpiryTimeout = DefaultExpiryTimeout
	}
	return &Manager{
		store:         store,
		now:           time.Now,
		expiryTimeout: cfg.ExpiryTimeout,
	}, nil
}

// ExpiryTimeout reports the configured lease duration.
func (m *Manager) ExpiryTimeout() time.Duration {
	return m.expiryTimeout
}

// Acquire claims a working directory for a session. Overlap with a live
// lease held by a different session fails with ErrConflict; nested
// directories count as overlapping.
func (m *Manager) Acquire(sessionID, workdir string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}
	workdir = normalizeWorkdir(workdir)
	if workdir == "" {
		return errors.New("workdir must not be empty")
	}

	ctx := context.Background()
	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}

	now := m.now().UTC()
	leases = onlyActive(leases, now)
	leases = withoutSession(leases, sessionID)

	conflicts := findConflicts(leases, workdir)
	if len(conflicts) > 0 {
		return fmt.Errorf("%w: workdir=%s held_by=%s", ErrConflict, workdir, conflicts[0].SessionID)
	}

	leases = append(leases, Lease{
		SessionID:  sessionID,
		Workdir:    workdir,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.expiryTimeout),
	})

	if err := m.store.Save(ctx, leases); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

// Renew extends a session's lease by the configured expiry. Renewing an
// expired or missing lease re-establishes it only when the session still
// owns a recorded claim; otherwise it is a no-op.
func (m *Manager) Renew(sessionID string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}

	ctx := context.Background()
	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}
	now := m.now().UTC()
	renewed := false
	for i := range leases {
		if strings.TrimSpace(leases[i].SessionID) != sessionID {
			continue
		}
		leases[i].ExpiresAt = now.Add(m.expiryTimeout)
		renewed = true
	}
	if !renewed {
		return nil
	}
	if err := m.store.Save(ctx, leases); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

// Release removes a session's lease.
func (m *Manager) Release(sessionID string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}

	ctx := context.Background()
	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}
	leases = withoutSession(onlyActive(leases, m.now().UTC()), sessionID)
	if err := m.store.Save(ctx, leases); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

// CheckConflict returns live leases overlapping the requested workdir.
func (m *Manager) CheckConflict(workdir string) ([]Lease, error) {
	if m == nil {
		return nil, errors.New("manager is nil")
	}
	workdir = normalizeWorkdir(workdir)
	if workdir == "" {
		return nil, errors.New("workdir must not be empty")
	}

	leases, err := m.store.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load leases: %w", err)
	}
	leases = onlyActive(leases, m.now().UTC())
	return findConflicts(leases, workdir), nil
}

func findConflicts(existing []Lease, workdir string) []Lease {
	conflicts := make([]Lease, 0)
	for _, lease := range existing {
		if workdirsOverlap(lease.Workdir, workdir) {
			conflicts = append(conflicts, lease)
		}
	}
	return conflicts
}

// workdirsOverlap reports whether two working directories collide. Equal
// paths collide, and so does a directory nested under a leased one: an
// engine editing a subtree still contends with one editing the parent.
func workdirsOverlap(a, b string) bool {
	a = normalizeWorkdir(a)
	b = normalizeWorkdir(b)
	if a == "" || b == "" {
		return false
	}
	return hasPathPrefix(a, b) || hasPathPrefix(b, a)
}

func hasPathPrefix(value, prefix string) bool {
	if value == prefix {
		return true
	}
	return strings.HasPrefix(value, prefix+"/")
}

func normalizeWorkdir(workdir string) string {
	workdir = strings.TrimSpace(workdir)
	if workdir == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(workdir))
}

func onlyActive(leases []Lease, now time.Time) []Lease {
	active := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if lease.ExpiresAt.IsZero() || lease.ExpiresAt.After(now) {
			active = append(active, lease)
		}
	}
	return active
}

func withoutSession(leases []Lease, sessionID string) []Lease {
	filtered := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if strings.TrimSpace(lease.SessionID) == sessionID {
			continue
		}
		filtered = append(filtered, lease)
	}
	return filtered
}
