package host

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/harborlab/bridge/internal/runner"
)

// ServerStatus is the page-visible connection status of a configured
// server. It tracks the supervisor's lifecycle but flattens internal
// transitions the page does not care about.
type ServerStatus string

const (
	StatusDisconnected ServerStatus = "disconnected"
	StatusConnecting   ServerStatus = "connecting"
	StatusConnected    ServerStatus = "connected"
	StatusError        ServerStatus = "error"
)

// Server is one configured tool server.
type Server struct {
	ID        string            `json:"server_id"`
	Label     string            `json:"label"`
	Launch    runner.LaunchSpec `json:"launch"`
	CreatedAt time.Time         `json:"created_at"`

	// Runtime state, never persisted.
	Status    ServerStatus `json:"status"`
	LastError string       `json:"last_error,omitempty"`
}

// ErrServerNotFound is returned for operations against an unknown
// server id.
var ErrServerNotFound = errors.New("host: server not found")

// ServerStore persists server configurations in sqlite. Connection
// status is runtime state and is kept in memory only; every server
// comes back disconnected after a restart.
type ServerStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	status  map[string]ServerStatus
	lastErr map[string]string
}

// NewServerStoreWithDB creates a server store on an existing database
// connection.
func NewServerStoreWithDB(db *sql.DB, logger *slog.Logger) (*ServerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ServerStore{
		db:      db,
		logger:  logger,
		status:  make(map[string]ServerStatus),
		lastErr: make(map[string]string),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *ServerStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			command TEXT NOT NULL,
			args TEXT NOT NULL,
			env TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// Add registers a new server configuration and returns it with a fresh
// id.
func (s *ServerStore) Add(label string, launch runner.LaunchSpec) (Server, error) {
	server := Server{
		ID:        uuid.NewString(),
		Label:     label,
		Launch:    launch,
		CreatedAt: time.Now(),
		Status:    StatusDisconnected,
	}

	args, err := json.Marshal(launch.Args)
	if err != nil {
		return Server{}, fmt.Errorf("marshal args: %w", err)
	}
	env, err := json.Marshal(launch.Env)
	if err != nil {
		return Server{}, fmt.Errorf("marshal env: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO servers (id, label, command, args, env, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		server.ID, server.Label, launch.Command, string(args), string(env),
		server.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Server{}, fmt.Errorf("insert server: %w", err)
	}
	return server, nil
}

// Remove deletes a server configuration.
func (s *ServerStore) Remove(id string) error {
	res, err := s.db.Exec(`DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrServerNotFound
	}

	s.mu.Lock()
	delete(s.status, id)
	delete(s.lastErr, id)
	s.mu.Unlock()
	return nil
}

// Get fetches one server by id.
func (s *ServerStore) Get(id string) (Server, error) {
	row := s.db.QueryRow(
		`SELECT id, label, command, args, env, created_at FROM servers WHERE id = ?`, id)
	server, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Server{}, ErrServerNotFound
	}
	return server, err
}

// List returns all configured servers sorted by label.
func (s *ServerStore) List() ([]Server, error) {
	rows, err := s.db.Query(`SELECT id, label, command, args, env, created_at FROM servers`)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	var servers []Server
	for rows.Next() {
		server, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Label < servers[j].Label })
	return servers, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *ServerStore) scan(row rowScanner) (Server, error) {
	var server Server
	var args, env, createdAt string
	if err := row.Scan(&server.ID, &server.Label, &server.Launch.Command, &args, &env, &createdAt); err != nil {
		return Server{}, err
	}
	if err := json.Unmarshal([]byte(args), &server.Launch.Args); err != nil {
		return Server{}, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &server.Launch.Env); err != nil {
		return Server{}, fmt.Errorf("unmarshal env: %w", err)
	}
	server.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	s.mu.Lock()
	server.Status = s.status[server.ID]
	server.LastError = s.lastErr[server.ID]
	s.mu.Unlock()
	if server.Status == "" {
		server.Status = StatusDisconnected
	}
	return server, nil
}

// UpdateStatus records a server's runtime connection status.
func (s *ServerStore) UpdateStatus(id string, status ServerStatus, lastError string) {
	s.mu.Lock()
	s.status[id] = status
	if lastError != "" {
		s.lastErr[id] = lastError
	} else {
		delete(s.lastErr, id)
	}
	s.mu.Unlock()
}

// Resolve implements runner.Launcher against the stored configuration.
func (s *ServerStore) Resolve(_ context.Context, serverID string) (runner.LaunchSpec, error) {
	server, err := s.Get(serverID)
	if err != nil {
		return runner.LaunchSpec{}, err
	}
	return server.Launch, nil
}
