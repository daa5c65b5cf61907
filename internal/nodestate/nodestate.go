// Package nodestate is a small, strictly observability-only durable
// registry of dispatcher node identities. It exists because spec.md's
// Non-goals rule out cross-node coordination, not visibility into which
// nodes have ever run — this table is read by operators, never by the
// dispatch path, and its absence or staleness cannot change routing
// decisions. Grounded on the teacher's
// internal/repository/pg_notification_repo.go's query/exec style.
package nodestate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry records node sightings in Postgres.
type Registry struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Run db.Migrate before using it.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Touch upserts a sighting of nodeID, updating last_seen_at. Called once at
// startup and again on every successful "alive" control reply.
func (r *Registry) Touch(ctx context.Context, nodeID string, poolMaxWorkers int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dispatcher_nodes (node_id, pool_max_workers, first_seen_at, last_seen_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (node_id) DO UPDATE
		SET last_seen_at = now(), pool_max_workers = EXCLUDED.pool_max_workers`,
		nodeID, poolMaxWorkers,
	)
	if err != nil {
		return fmt.Errorf("nodestate: touch: %w", err)
	}
	return nil
}

// Node is one row of the registry.
type Node struct {
	NodeID         string
	PoolMaxWorkers int
}

// ErrNotFound is returned by Get when no row matches nodeID.
var ErrNotFound = errors.New("nodestate: node not found")

// Get returns the recorded row for nodeID.
func (r *Registry) Get(ctx context.Context, nodeID string) (*Node, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT node_id, pool_max_workers FROM dispatcher_nodes WHERE node_id = $1`, nodeID)

	var n Node
	if err := row.Scan(&n.NodeID, &n.PoolMaxWorkers); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nodestate: get: %w", err)
	}
	return &n, nil
}

// List returns every node that has ever reported in, most recently seen
// first.
func (r *Registry) List(ctx context.Context) ([]Node, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT node_id, pool_max_workers FROM dispatcher_nodes ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("nodestate: list: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.NodeID, &n.PoolMaxWorkers); err != nil {
			return nil, fmt.Errorf("nodestate: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
