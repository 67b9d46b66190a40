// Package pgregistry implements the coordination directory on PostgreSQL.
//
// PostgreSQL's serializable writes give the externally consistent view the
// scheduler assumes: every node reads the row an administrator last
// committed for it.
package pgregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/canteen/pkg/registry"
)

// uniqueViolation is the SQLSTATE PostgreSQL returns for duplicate keys
const uniqueViolation = "23505"

// Options configures the store
type Options struct {
	// Namespace scopes rows to one cluster, so several clusters can share a database
	Namespace string
	// Migrate creates tables on connect. Read-only deployments leave it off.
	Migrate bool
}

// Store is a registry.Directory backed by a pgx connection pool
type Store struct {
	pool      *pgxpool.Pool
	namespace string
}

// New connects to databaseURL and verifies the connection
func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// One tick per second per node; a handful of connections is plenty
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", registry.ErrUnavailable, err)
	}

	s := &Store{pool: pool, namespace: opts.Namespace}

	if opts.Migrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	return s, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Assignment implements registry.Directory. A host with no row is unassigned.
func (s *Store) Assignment(ctx context.Context, host string) (registry.Assignment, error) {
	if host == "" {
		return registry.Assignment{}, registry.ErrInvalidHost
	}

	query := `
		SELECT image, ports
		FROM canteen_assignments
		WHERE namespace = $1 AND host = $2
	`

	var a registry.Assignment
	var portsJSON []byte
	err := s.pool.QueryRow(ctx, query, s.namespace, host).Scan(&a.Image, &portsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.Assignment{}, nil
	}
	if err != nil {
		return registry.Assignment{}, fmt.Errorf("failed to read assignment: %w", err)
	}

	if len(portsJSON) > 0 {
		if err := json.Unmarshal(portsJSON, &a.Ports); err != nil {
			return registry.Assignment{}, fmt.Errorf("%w: ports: %v", registry.ErrInvalidResponse, err)
		}
	}
	if err := a.Validate(); err != nil {
		return registry.Assignment{}, err
	}
	return a, nil
}

// IsActive implements registry.Directory
func (s *Store) IsActive(ctx context.Context, host string) (bool, error) {
	query := `
		SELECT active
		FROM canteen_members
		WHERE namespace = $1 AND host = $2
	`

	var active bool
	err := s.pool.QueryRow(ctx, query, s.namespace, host).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read membership: %w", err)
	}
	return active, nil
}

// Register implements registry.Directory. The primary key on
// (namespace, host) turns a duplicate registration into
// registry.ErrAlreadyRegistered.
func (s *Store) Register(ctx context.Context, host string) error {
	if host == "" {
		return registry.ErrInvalidHost
	}

	query := `
		INSERT INTO canteen_members (namespace, host, active, registered_at)
		VALUES ($1, $2, TRUE, $3)
	`

	_, err := s.pool.Exec(ctx, query, s.namespace, host, time.Now().UTC())
	return mapRegisterError(err)
}

func mapRegisterError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", registry.ErrAlreadyRegistered, pgErr.Detail)
	}
	return fmt.Errorf("failed to register member: %w", err)
}

var _ registry.Directory = (*Store)(nil)
