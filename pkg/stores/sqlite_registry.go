package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openherd/openherd/pkg/engine"
)

var _ engine.Store = (*SQLiteStore)(nil)

// CreateCluster creates a new cluster record
func (s *SQLiteStore) CreateCluster(ctx context.Context, c *engine.Cluster) error {
	nodeIDs, err := marshalStrings(c.NodeIDs)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(c.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO clusters (
			id, name, profile_id, desired_capacity, min_size, max_size,
			node_ids, status, status_reason, next_index, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.Name,
		c.ProfileID,
		c.DesiredCapacity,
		c.MinSize,
		c.MaxSize,
		nodeIDs,
		c.Status,
		c.StatusReason,
		c.NextIndex,
		metadata,
		c.CreatedAt,
		c.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}

	return nil
}

// GetCluster retrieves a cluster by ID
func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*engine.Cluster, error) {
	query := `
		SELECT id, name, profile_id, desired_capacity, min_size, max_size,
			   node_ids, status, status_reason, next_index, metadata, created_at, updated_at
		FROM clusters
		WHERE id = ?
	`

	c, err := scanCluster(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cluster %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}

	return c, nil
}

// UpdateCluster rewrites the full cluster record
func (s *SQLiteStore) UpdateCluster(ctx context.Context, c *engine.Cluster) error {
	nodeIDs, err := marshalStrings(c.NodeIDs)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(c.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE clusters
		SET name = ?, profile_id = ?, desired_capacity = ?, min_size = ?, max_size = ?,
			node_ids = ?, status = ?, status_reason = ?, next_index = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		c.Name,
		c.ProfileID,
		c.DesiredCapacity,
		c.MinSize,
		c.MaxSize,
		nodeIDs,
		c.Status,
		c.StatusReason,
		c.NextIndex,
		metadata,
		time.Now().UTC(),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update cluster: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("cluster %s: %w", c.ID, engine.ErrNotFound)
	}

	return nil
}

// SetClusterStatus updates only the status and reason of a cluster
func (s *SQLiteStore) SetClusterStatus(ctx context.Context, id string, status engine.ClusterStatus, reason string) error {
	query := `UPDATE clusters SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, status, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set cluster status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("cluster %s: %w", id, engine.ErrNotFound)
	}

	return nil
}

// ListClusters lists all clusters ordered by creation time
func (s *SQLiteStore) ListClusters(ctx context.Context) ([]*engine.Cluster, error) {
	query := `
		SELECT id, name, profile_id, desired_capacity, min_size, max_size,
			   node_ids, status, status_reason, next_index, metadata, created_at, updated_at
		FROM clusters
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	clusters := []*engine.Cluster{}
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clusters: %w", err)
	}

	return clusters, nil
}

// DeleteCluster deletes a cluster and its policy bindings
func (s *SQLiteStore) DeleteCluster(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("cluster %s: %w", id, engine.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_bindings WHERE cluster_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete cluster bindings: %w", err)
	}

	return tx.Commit()
}

// CreateNode creates a new node record
func (s *SQLiteStore) CreateNode(ctx context.Context, n *engine.Node) error {
	query := `
		INSERT INTO nodes (
			id, name, cluster_id, profile_id, idx, physical_id,
			status, status_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.Name,
		n.ClusterID,
		n.ProfileID,
		n.Index,
		n.PhysicalID,
		n.Status,
		n.StatusReason,
		n.CreatedAt,
		n.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	return nil
}

// GetNode retrieves a node by ID
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*engine.Node, error) {
	query := `
		SELECT id, name, cluster_id, profile_id, idx, physical_id,
			   status, status_reason, created_at, updated_at
		FROM nodes
		WHERE id = ?
	`

	n := &engine.Node{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&n.ID,
		&n.Name,
		&n.ClusterID,
		&n.ProfileID,
		&n.Index,
		&n.PhysicalID,
		&n.Status,
		&n.StatusReason,
		&n.CreatedAt,
		&n.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	return n, nil
}

// UpdateNode rewrites the full node record
func (s *SQLiteStore) UpdateNode(ctx context.Context, n *engine.Node) error {
	query := `
		UPDATE nodes
		SET name = ?, cluster_id = ?, profile_id = ?, idx = ?, physical_id = ?,
			status = ?, status_reason = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		n.Name,
		n.ClusterID,
		n.ProfileID,
		n.Index,
		n.PhysicalID,
		n.Status,
		n.StatusReason,
		time.Now().UTC(),
		n.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("node %s: %w", n.ID, engine.ErrNotFound)
	}

	return nil
}

// ListNodesByCluster lists nodes of one cluster ordered by creation index
func (s *SQLiteStore) ListNodesByCluster(ctx context.Context, clusterID string) ([]*engine.Node, error) {
	query := `
		SELECT id, name, cluster_id, profile_id, idx, physical_id,
			   status, status_reason, created_at, updated_at
		FROM nodes
		WHERE cluster_id = ?
		ORDER BY idx ASC
	`

	rows, err := s.db.QueryContext(ctx, query, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*engine.Node{}
	for rows.Next() {
		n := &engine.Node{}
		err := rows.Scan(
			&n.ID,
			&n.Name,
			&n.ClusterID,
			&n.ProfileID,
			&n.Index,
			&n.PhysicalID,
			&n.Status,
			&n.StatusReason,
			&n.CreatedAt,
			&n.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

// DeleteNode deletes a node by ID
func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("node %s: %w", id, engine.ErrNotFound)
	}

	return nil
}

// CreateProfile creates a new profile version
func (s *SQLiteStore) CreateProfile(ctx context.Context, p *engine.Profile) error {
	query := `
		INSERT INTO profiles (id, name, type, version, spec, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		p.Type,
		p.Version,
		string(p.Spec),
		p.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}

	return nil
}

// GetProfile retrieves a profile version by ID
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*engine.Profile, error) {
	query := `SELECT id, name, type, version, spec, created_at FROM profiles WHERE id = ?`

	p := &engine.Profile{}
	var spec string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Type,
		&p.Version,
		&spec,
		&p.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.Spec = []byte(spec)
	return p, nil
}

// PutBinding inserts or updates a policy binding
func (s *SQLiteStore) PutBinding(ctx context.Context, b *engine.PolicyBinding) error {
	params, err := marshalMap(b.Params)
	if err != nil {
		return err
	}

	var lastOp *time.Time
	if !b.LastOp.IsZero() {
		t := b.LastOp.UTC()
		lastOp = &t
	}

	query := `
		INSERT INTO policy_bindings (cluster_id, policy_id, enabled, priority, cooldown_ns, last_op, params)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cluster_id, policy_id) DO UPDATE SET
			enabled = excluded.enabled,
			priority = excluded.priority,
			cooldown_ns = excluded.cooldown_ns,
			last_op = excluded.last_op,
			params = excluded.params
	`

	_, err = s.db.ExecContext(ctx, query,
		b.ClusterID,
		b.PolicyID,
		b.Enabled,
		b.Priority,
		int64(b.Cooldown),
		lastOp,
		params,
	)

	if err != nil {
		return fmt.Errorf("failed to put binding: %w", err)
	}

	return nil
}

// ListBindings lists policy bindings of one cluster ordered by priority
func (s *SQLiteStore) ListBindings(ctx context.Context, clusterID string) ([]*engine.PolicyBinding, error) {
	query := `
		SELECT cluster_id, policy_id, enabled, priority, cooldown_ns, last_op, params
		FROM policy_bindings
		WHERE cluster_id = ?
		ORDER BY priority ASC
	`

	rows, err := s.db.QueryContext(ctx, query, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	bindings := []*engine.PolicyBinding{}
	for rows.Next() {
		b := &engine.PolicyBinding{}
		var cooldownNS int64
		var lastOp sql.NullTime
		var params string
		err := rows.Scan(
			&b.ClusterID,
			&b.PolicyID,
			&b.Enabled,
			&b.Priority,
			&cooldownNS,
			&lastOp,
			&params,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		b.Cooldown = time.Duration(cooldownNS)
		if lastOp.Valid {
			b.LastOp = lastOp.Time
		}
		if b.Params, err = unmarshalMap(params); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bindings: %w", err)
	}

	return bindings, nil
}

// DeleteBinding removes a policy binding
func (s *SQLiteStore) DeleteBinding(ctx context.Context, clusterID, policyID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM policy_bindings WHERE cluster_id = ? AND policy_id = ?`,
		clusterID, policyID)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("binding %s/%s: %w", clusterID, policyID, engine.ErrNotFound)
	}

	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCluster(row rowScanner) (*engine.Cluster, error) {
	c := &engine.Cluster{}
	var nodeIDs, metadata string
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.ProfileID,
		&c.DesiredCapacity,
		&c.MinSize,
		&c.MaxSize,
		&nodeIDs,
		&c.Status,
		&c.StatusReason,
		&c.NextIndex,
		&metadata,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.NodeIDs, err = unmarshalStrings(nodeIDs); err != nil {
		return nil, err
	}
	if c.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return c, nil
}
