package pgregistry

import "context"

// migrate creates the tables the directory reads. Assignments are written
// by the administrative authority, never by nodes.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS canteen_members (
		namespace TEXT NOT NULL,
		host TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		registered_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (namespace, host)
	);

	CREATE TABLE IF NOT EXISTS canteen_assignments (
		namespace TEXT NOT NULL,
		host TEXT NOT NULL,
		image TEXT NOT NULL DEFAULT '',
		ports JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (namespace, host)
	);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}
