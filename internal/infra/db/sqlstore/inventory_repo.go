package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
)

// InventoryRepository reads hosts, workloads and rules. The Create* methods
// only serve inventory import and tests.
type InventoryRepository struct {
	store
}

func NewInventoryRepository(db *sql.DB, d Dialect) *InventoryRepository {
	return &InventoryRepository{store{db: db, dialect: d}}
}

const hostCols = `h.id, h.hostname, h.address, h.ssh_port, h.workload_id, COALESCE(w.name, ''),
       h.role, h.owner_id, h.active, h.username, h.password, COALESCE(h.private_key, '')`

const hostFrom = ` FROM hosts h LEFT JOIN workloads w ON w.id = h.workload_id`

func scanHost(row rowScanner) (*domain.HostTarget, error) {
	var h domain.HostTarget
	if err := row.Scan(
		&h.ID, &h.Hostname, &h.Address, &h.SSHPort, &h.WorkloadID, &h.WorkloadName,
		&h.Role, &h.OwnerID, &h.Active,
		&h.Credentials.Username, &h.Credentials.Password, &h.Credentials.PrivateKey,
	); err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *InventoryRepository) GetHost(ctx context.Context, id int64) (*domain.HostTarget, error) {
	q := `SELECT ` + hostCols + hostFrom + ` WHERE h.id=? LIMIT 1`
	h, err := scanHost(r.db.QueryRowContext(ctx, r.rebind(q), id))
	if err != nil {
		return nil, notFound(err)
	}
	return h, nil
}

// HostsByIDs returns the active hosts among ids, ordered by id. Unknown ids are ignored.
func (r *InventoryRepository) HostsByIDs(ctx context.Context, ids []int64) ([]*domain.HostTarget, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, true)
	q := `SELECT ` + hostCols + hostFrom + ` WHERE h.id IN (` + placeholders(len(ids)) + `) AND h.active=? ORDER BY h.id`
	return r.queryHosts(ctx, q, args...)
}

func (r *InventoryRepository) ListHosts(ctx context.Context, afterID int64, limit int) (domain.HostPage, error) {
	page := domain.HostPage{AfterID: afterID, Limit: limit}
	const count = `SELECT COUNT(*) FROM hosts WHERE active=? AND id>?`
	if err := r.db.QueryRowContext(ctx, r.rebind(count), true, afterID).Scan(&page.Remaining); err != nil {
		return page, fmt.Errorf("counting hosts: %w", err)
	}
	q := `SELECT ` + hostCols + hostFrom + ` WHERE h.active=? AND h.id>? ORDER BY h.id LIMIT ?`
	hosts, err := r.queryHosts(ctx, q, true, afterID, limit)
	if err != nil {
		return page, err
	}
	page.Hosts = hosts
	return page, nil
}

func (r *InventoryRepository) queryHosts(ctx context.Context, q string, args ...any) ([]*domain.HostTarget, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("querying hosts: %w", err)
	}
	defer rows.Close()

	var out []*domain.HostTarget
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *InventoryRepository) ActiveRules(ctx context.Context, workloadID int64) ([]*domain.Rule, error) {
	const q = `
SELECT id, workload_id, name, COALESCE(command, ''), COALESCE(parameters, ''), active
FROM rules WHERE workload_id=? AND active=? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, r.rebind(q), workloadID, true)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var out []*domain.Rule
	for rows.Next() {
		var rule domain.Rule
		var params string
		if err := rows.Scan(&rule.ID, &rule.WorkloadID, &rule.Name, &rule.Command, &params, &rule.Active); err != nil {
			return nil, err
		}
		if params != "" {
			dec := json.NewDecoder(bytes.NewReader([]byte(params)))
			dec.UseNumber()
			if err := dec.Decode(&rule.Parameters); err != nil {
				return nil, fmt.Errorf("rule %d parameters: %w", rule.ID, err)
			}
		}
		out = append(out, &rule)
	}
	return out, rows.Err()
}

func (r *InventoryRepository) CreateWorkload(ctx context.Context, name, description string) (int64, error) {
	return r.insert(ctx, r.db, `INSERT INTO workloads (name, description) VALUES (?,?)`, name, description)
}

func (r *InventoryRepository) CreateHost(ctx context.Context, h *domain.HostTarget) error {
	const q = `
INSERT INTO hosts (hostname, address, ssh_port, workload_id, role, owner_id, active, username, password, private_key)
VALUES (?,?,?,?,?,?,?,?,?,?)`
	port := h.SSHPort
	if port == 0 {
		port = 22
	}
	id, err := r.insert(ctx, r.db, q,
		h.Hostname, h.Address, port, h.WorkloadID, h.Role, h.OwnerID, h.Active,
		h.Credentials.Username, h.Credentials.Password, h.Credentials.PrivateKey)
	if err != nil {
		return fmt.Errorf("insert host %s: %w", h.Hostname, err)
	}
	h.ID = id
	h.SSHPort = port
	return nil
}

func (r *InventoryRepository) CreateRule(ctx context.Context, rule *domain.Rule) error {
	params := ""
	if len(rule.Parameters) > 0 {
		raw, err := json.Marshal(rule.Parameters)
		if err != nil {
			return fmt.Errorf("rule %s parameters: %w", rule.Name, err)
		}
		params = string(raw)
	}
	id, err := r.insert(ctx, r.db,
		`INSERT INTO rules (workload_id, name, command, parameters, active) VALUES (?,?,?,?,?)`,
		rule.WorkloadID, rule.Name, rule.Command, params, rule.Active)
	if err != nil {
		return fmt.Errorf("insert rule %s: %w", rule.Name, err)
	}
	rule.ID = id
	return nil
}
