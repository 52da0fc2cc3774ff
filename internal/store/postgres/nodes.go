package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"workerhub/internal/store"
)

const nodeColumns = "machine_id, secret_key, name, status, last_seen, ip_address, total_success, total_failed"

func (s *Store) GetNode(ctx context.Context, machineID string) (*store.Node, error) {
	query := "SELECT " + nodeColumns + " FROM nodes WHERE machine_id = $1"

	var n store.Node
	err := s.db.QueryRowContext(ctx, query, machineID).Scan(
		&n.MachineID, &n.SecretKey, &n.Name, &n.Status,
		&n.LastSeen, &n.IPAddress, &n.TotalSuccess, &n.TotalFailed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", machineID, err)
	}
	return &n, nil
}

// CreateNode inserts a node. The first writer for a machine id wins; later
// writers get store.ErrNodeExists.
func (s *Store) CreateNode(ctx context.Context, node *store.Node) error {
	query := `
		INSERT INTO nodes (machine_id, secret_key, name, status, last_seen, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (machine_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		node.MachineID,
		node.SecretKey,
		node.Name,
		node.Status,
		node.LastSeen,
		node.IPAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to create node %s: %w", node.MachineID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNodeExists
	}
	return nil
}

func (s *Store) MarkOnline(ctx context.Context, machineID, ipAddress string, at time.Time) error {
	return s.execNodeUpdate(ctx, machineID,
		"UPDATE nodes SET status = $2, last_seen = $3, ip_address = $4 WHERE machine_id = $1",
		machineID, store.NodeOnline, at, ipAddress)
}

func (s *Store) Touch(ctx context.Context, machineID string, at time.Time) error {
	return s.execNodeUpdate(ctx, machineID,
		"UPDATE nodes SET last_seen = $2 WHERE machine_id = $1",
		machineID, at)
}

func (s *Store) MarkOffline(ctx context.Context, machineID string, at time.Time) error {
	return s.execNodeUpdate(ctx, machineID,
		"UPDATE nodes SET status = $2, last_seen = $3 WHERE machine_id = $1",
		machineID, store.NodeOffline, at)
}

func (s *Store) execNodeUpdate(ctx context.Context, machineID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", machineID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]store.Node, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+nodeColumns+" FROM nodes ORDER BY machine_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []store.Node
	for rows.Next() {
		var n store.Node
		if err := rows.Scan(
			&n.MachineID, &n.SecretKey, &n.Name, &n.Status,
			&n.LastSeen, &n.IPAddress, &n.TotalSuccess, &n.TotalFailed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
