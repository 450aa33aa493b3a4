// Package policy stores per-origin capability grants and tool allowlists.
//
// Durable decisions (DENY, ALLOW_ALWAYS) live in sqlite; one-shot grants
// (ALLOW_ONCE) are volatile, bounded by a TTL and optionally by the tab
// that asked. The store only answers lookups; obtaining consent is the
// caller's problem.
package policy

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

// GrantKind is a stored consent decision.
type GrantKind string

const (
	AllowOnce   GrantKind = "ALLOW_ONCE"
	AllowAlways GrantKind = "ALLOW_ALWAYS"
	Deny        GrantKind = "DENY"
)

// Grant is the effective decision for an (origin, scope) pair.
type Grant struct {
	Origin    string    `json:"origin"`
	Scope     string    `json:"scope"`
	Kind      GrantKind `json:"kind"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero for durable grants
	TabID     string    `json:"tab_id,omitempty"`     // one-shot grants only
}

// onceKey identifies a volatile grant.
type onceKey struct {
	origin string
	scope  string
}

// Store manages grant persistence and lookup.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu   sync.Mutex
	once map[onceKey]Grant

	cron *cron.Cron
}

// NewStore creates a policy store using the given database path.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStoreWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a policy store using an existing database connection.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger,
		once:   make(map[onceKey]Grant),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grants (
			origin TEXT NOT NULL,
			scope TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (origin, scope, kind)
		);

		CREATE TABLE IF NOT EXISTS tool_allowlist (
			origin TEXT NOT NULL,
			tool_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (origin, tool_key)
		);

		CREATE INDEX IF NOT EXISTS idx_grants_origin ON grants(origin);
		CREATE INDEX IF NOT EXISTS idx_allowlist_origin ON tool_allowlist(origin);
	`)
	return err
}

// Close stops the sweeper and closes the database connection.
func (s *Store) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	return s.db.Close()
}

// SetDurable records a DENY or ALLOW_ALWAYS decision. A DENY and an
// ALLOW_ALWAYS may coexist for the same key; precedence is applied at
// lookup, not at write.
func (s *Store) SetDurable(origin, scope string, kind GrantKind) error {
	if kind != Deny && kind != AllowAlways {
		return fmt.Errorf("kind %q is not durable", kind)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO grants (origin, scope, kind, created_at)
		VALUES (?, ?, ?, ?)
	`, origin, scope, string(kind), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store grant: %w", err)
	}

	s.logger.Info("durable grant recorded", "origin", origin, "scope", scope, "kind", kind)
	return nil
}

// SetOnce records a volatile ALLOW_ONCE grant valid until ttl elapses or
// the associated tab closes (tabID may be empty for no tab binding).
func (s *Store) SetOnce(origin, scope, tabID string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.once[onceKey{origin, scope}] = Grant{
		Origin:    origin,
		Scope:     scope,
		Kind:      AllowOnce,
		ExpiresAt: time.Now().Add(ttl),
		TabID:     tabID,
	}
}

// Revoke removes all grants for an (origin, scope) pair, durable and
// volatile alike.
func (s *Store) Revoke(origin, scope string) error {
	s.mu.Lock()
	delete(s.once, onceKey{origin, scope})
	s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM grants WHERE origin = ? AND scope = ?`, origin, scope)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	return nil
}

// Effective resolves the grant for (origin, scope) by precedence:
// DENY > ALLOW_ALWAYS > ALLOW_ONCE > absent (nil). Expired one-shot
// grants are pruned here lazily; StartSweeper adds an eager sweep.
func (s *Store) Effective(origin, scope string) (*Grant, error) {
	rows, err := s.db.Query(
		`SELECT kind FROM grants WHERE origin = ? AND scope = ?`, origin, scope)
	if err != nil {
		return nil, fmt.Errorf("lookup grants: %w", err)
	}
	defer rows.Close()

	var hasDeny, hasAlways bool
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, err
		}
		switch GrantKind(kind) {
		case Deny:
			hasDeny = true
		case AllowAlways:
			hasAlways = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if hasDeny {
		return &Grant{Origin: origin, Scope: scope, Kind: Deny}, nil
	}
	if hasAlways {
		return &Grant{Origin: origin, Scope: scope, Kind: AllowAlways}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := onceKey{origin, scope}
	if g, ok := s.once[key]; ok {
		if time.Now().After(g.ExpiresAt) {
			delete(s.once, key)
			return nil, nil
		}
		return &g, nil
	}

	return nil, nil
}

// DropTab discards one-shot grants bound to a closed tab.
func (s *Store) DropTab(tabID string) {
	if tabID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, g := range s.once {
		if g.TabID == tabID {
			delete(s.once, k)
		}
	}
}

// sweepExpired removes expired one-shot grants. Returns how many were dropped.
func (s *Store) sweepExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, g := range s.once {
		if now.After(g.ExpiresAt) {
			delete(s.once, k)
			n++
		}
	}
	return n
}

// StartSweeper schedules an eager periodic sweep of expired one-shot
// grants. The schedule accepts cron expressions; "@every 1m" is the usual
// setting. Returns an error for an invalid schedule.
func (s *Store) StartSweeper(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n := s.sweepExpired(); n > 0 {
			s.logger.Debug("swept expired one-shot grants", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}
