package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// column types that differ per backend
type ddlTypes struct {
	id, fk, text, longText, float, boolean, timestamp, tableSuffix string
}

func (d Dialect) types() ddlTypes {
	switch d {
	case Postgres:
		return ddlTypes{
			id: "BIGSERIAL PRIMARY KEY", fk: "BIGINT", text: "VARCHAR(255)", longText: "TEXT",
			float: "DOUBLE PRECISION", boolean: "BOOLEAN", timestamp: "TIMESTAMPTZ",
		}
	case SQLite:
		return ddlTypes{
			id: "INTEGER PRIMARY KEY AUTOINCREMENT", fk: "INTEGER", text: "TEXT", longText: "TEXT",
			float: "REAL", boolean: "BOOLEAN", timestamp: "DATETIME",
		}
	}
	return ddlTypes{
		id: "BIGINT AUTO_INCREMENT PRIMARY KEY", fk: "BIGINT", text: "VARCHAR(255)", longText: "LONGTEXT",
		float: "DOUBLE", boolean: "TINYINT(1)", timestamp: "DATETIME(6)",
		tableSuffix: " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	}
}

func (d Dialect) schema() []string {
	t := d.types()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workloads (
  id ` + t.id + `,
  name ` + t.text + ` NOT NULL,
  description ` + t.longText + `
)` + t.tableSuffix,
		`CREATE TABLE IF NOT EXISTS hosts (
  id ` + t.id + `,
  hostname ` + t.text + ` NOT NULL,
  address ` + t.text + ` NOT NULL,
  ssh_port INTEGER NOT NULL DEFAULT 22,
  workload_id ` + t.fk + ` NOT NULL DEFAULT 0,
  role ` + t.text + ` NOT NULL DEFAULT '',
  owner_id ` + t.text + ` NOT NULL DEFAULT '',
  active ` + t.boolean + ` NOT NULL DEFAULT TRUE,
  username ` + t.text + ` NOT NULL DEFAULT '',
  password ` + t.text + ` NOT NULL DEFAULT '',
  private_key ` + t.longText + `
)` + t.tableSuffix,
		`CREATE TABLE IF NOT EXISTS rules (
  id ` + t.id + `,
  workload_id ` + t.fk + ` NOT NULL,
  name ` + t.text + ` NOT NULL,
  command ` + t.longText + `,
  parameters ` + t.longText + `,
  active ` + t.boolean + ` NOT NULL DEFAULT TRUE
)` + t.tableSuffix,
		`CREATE TABLE IF NOT EXISTS compliance_results (
  id ` + t.id + `,
  host_id ` + t.fk + ` NOT NULL,
  scan_request_id ` + t.text + ` NOT NULL,
  requested_by ` + t.text + ` NOT NULL DEFAULT '',
  status ` + t.text + ` NOT NULL,
  total_rules INTEGER NOT NULL DEFAULT 0,
  passed_rules INTEGER NOT NULL DEFAULT 0,
  failed_rules INTEGER NOT NULL DEFAULT 0,
  score ` + t.float + ` NOT NULL DEFAULT 0,
  detail_error ` + t.longText + `,
  scan_date ` + t.timestamp + ` NOT NULL,
  updated_at ` + t.timestamp + ` NOT NULL
)` + t.tableSuffix,
		`CREATE INDEX idx_compliance_host_status ON compliance_results (host_id, status)`,
		`CREATE INDEX idx_compliance_request ON compliance_results (scan_request_id)`,
		`CREATE TABLE IF NOT EXISTS rule_results (
  id ` + t.id + `,
  compliance_result_id ` + t.fk + ` NOT NULL,
  rule_id ` + t.fk + ` NOT NULL,
  rule_name ` + t.text + ` NOT NULL DEFAULT '',
  status ` + t.text + ` NOT NULL,
  message ` + t.longText + `,
  details_error ` + t.longText + `,
  output ` + t.longText + `,
  parsed_output ` + t.longText + `,
  created_at ` + t.timestamp + ` NOT NULL,
  updated_at ` + t.timestamp + ` NOT NULL
)` + t.tableSuffix,
		`CREATE INDEX idx_rule_results_compliance ON rule_results (compliance_result_id)`,
		`CREATE TABLE IF NOT EXISTS scan_errors (
  id ` + t.id + `,
  host_id ` + t.fk + ` NOT NULL,
  scan_request_id ` + t.text + ` NOT NULL,
  phase ` + t.text + ` NOT NULL,
  message ` + t.longText + `,
  details_json ` + t.longText + `,
  created_at ` + t.timestamp + ` NOT NULL
)` + t.tableSuffix,
	}
	return stmts
}

// Migrate creates the tables when missing. Index creation is skipped when the
// index already exists.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range d.schema() {
		if strings.HasPrefix(stmt, "CREATE INDEX") {
			stmt = d.ifNotExistsIndex(stmt)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if d == MySQL && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("migrate (%s): %w", d, err)
		}
	}
	return nil
}

// mysql has no CREATE INDEX IF NOT EXISTS; duplicates are ignored in Migrate.
func (d Dialect) ifNotExistsIndex(stmt string) string {
	if d == MySQL {
		return stmt
	}
	return strings.Replace(stmt, "CREATE INDEX", "CREATE INDEX IF NOT EXISTS", 1)
}
