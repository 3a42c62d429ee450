package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
)

type ComplianceRepository struct {
	store
}

func NewComplianceRepository(db *sql.DB, d Dialect) *ComplianceRepository {
	return &ComplianceRepository{store{db: db, dialect: d}}
}

const complianceCols = `id, host_id, scan_request_id, requested_by, status,
       total_rules, passed_rules, failed_rules, score, COALESCE(detail_error, ''),
       scan_date, updated_at`

const ruleResultCols = `id, compliance_result_id, rule_id, rule_name, status,
       COALESCE(message, ''), COALESCE(details_error, ''), COALESCE(output, ''), COALESCE(parsed_output, ''),
       created_at, updated_at`

// open statuses as SQL literal list
const openStatuses = `('pending','running')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompliance(row rowScanner) (*domain.ComplianceResult, error) {
	var c domain.ComplianceResult
	if err := row.Scan(
		&c.ID, &c.HostID, &c.ScanRequestID, &c.RequestedBy, &c.Status,
		&c.TotalRules, &c.PassedRules, &c.FailedRules, &c.Score, &c.DetailError,
		&c.ScanDate, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanRuleResult(row rowScanner) (*domain.RuleResult, error) {
	var r domain.RuleResult
	var parsed string
	if err := row.Scan(
		&r.ID, &r.ComplianceResultID, &r.RuleID, &r.RuleName, &r.Status,
		&r.Message, &r.DetailsError, &r.Output, &parsed,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if parsed != "" {
		if err := json.Unmarshal([]byte(parsed), &r.ParsedOutput); err != nil {
			return nil, fmt.Errorf("rule result %d parsed_output: %w", r.ID, err)
		}
	}
	return &r, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// Create inserts a row and sets its id
func (r *ComplianceRepository) Create(ctx context.Context, c *domain.ComplianceResult) error {
	const q = `
INSERT INTO compliance_results
(host_id, scan_request_id, requested_by, status,
 total_rules, passed_rules, failed_rules, score, detail_error, scan_date, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`
	now := time.Now().UTC()
	if c.ScanDate.IsZero() {
		c.ScanDate = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.StatusPending
	}
	id, err := r.insert(ctx, r.db, q,
		c.HostID, c.ScanRequestID, c.RequestedBy, string(c.Status),
		c.TotalRules, c.PassedRules, c.FailedRules, c.Score, c.DetailError, c.ScanDate, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert compliance result: %w", err)
	}
	c.ID = domain.ResultID(id)
	return nil
}

func (r *ComplianceRepository) Get(ctx context.Context, id domain.ResultID) (*domain.ComplianceResult, error) {
	q := `SELECT ` + complianceCols + ` FROM compliance_results WHERE id=? LIMIT 1`
	c, err := scanCompliance(r.db.QueryRowContext(ctx, r.rebind(q), int64(id)))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *ComplianceRepository) FindOpen(ctx context.Context, hostID int64, scanRequestID string) (*domain.ComplianceResult, error) {
	q := `SELECT ` + complianceCols + `
FROM compliance_results
WHERE host_id=? AND status IN ` + openStatuses + `
ORDER BY CASE WHEN scan_request_id=? THEN 0 ELSE 1 END, scan_date DESC, id DESC
LIMIT 1`
	c, err := scanCompliance(r.db.QueryRowContext(ctx, r.rebind(q), hostID, scanRequestID))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// UpdateStatus never touches a cancelled row.
func (r *ComplianceRepository) UpdateStatus(ctx context.Context, id domain.ResultID, status domain.Status, detail string) error {
	const q = `
UPDATE compliance_results SET status=?, detail_error=?, updated_at=?
WHERE id=? AND status <> 'cancelled'`
	res, err := r.db.ExecContext(ctx, r.rebind(q), string(status), detail, time.Now().UTC(), int64(id))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return r.expectOne(ctx, res, id)
}

// expectOne maps a zero-row update onto ErrNotFound or ErrNotOpen.
func (r *ComplianceRepository) expectOne(ctx context.Context, res sql.Result, id domain.ResultID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrNotOpen
}

// Finalize writes the aggregate and all rule results in one transaction.
// The row must still be pending or running, otherwise nothing is written.
func (r *ComplianceRepository) Finalize(ctx context.Context, c *domain.ComplianceResult, results []*domain.RuleResult) error {
	now := time.Now().UTC()
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		q := `
UPDATE compliance_results
SET status=?, total_rules=?, passed_rules=?, failed_rules=?, score=?, detail_error=?, updated_at=?
WHERE id=? AND status IN ` + openStatuses
		res, err := tx.ExecContext(ctx, r.rebind(q),
			string(c.Status), c.TotalRules, c.PassedRules, c.FailedRules, c.Score, c.DetailError, now, int64(c.ID))
		if err != nil {
			return fmt.Errorf("update compliance result: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrNotOpen
		}
		return r.insertRuleResults(ctx, tx, c.ID, results, now)
	})
	if err != nil {
		return err
	}
	c.UpdatedAt = now
	return nil
}

const ruleResultBatch = 100

func (r *ComplianceRepository) insertRuleResults(ctx context.Context, tx *sql.Tx, id domain.ResultID, results []*domain.RuleResult, now time.Time) error {
	for start := 0; start < len(results); start += ruleResultBatch {
		end := start + ruleResultBatch
		if end > len(results) {
			end = len(results)
		}
		chunk := results[start:end]

		var b strings.Builder
		b.WriteString(`INSERT INTO rule_results
(compliance_result_id, rule_id, rule_name, status, message, details_error, output, parsed_output, created_at, updated_at)
VALUES `)
		args := make([]any, 0, len(chunk)*10)
		for i, rr := range chunk {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("(" + placeholders(10) + ")")
			parsed := ""
			if len(rr.ParsedOutput) > 0 {
				raw, err := json.Marshal(rr.ParsedOutput)
				if err != nil {
					return fmt.Errorf("rule %d parsed_output: %w", rr.RuleID, err)
				}
				parsed = string(raw)
			}
			rr.ComplianceResultID = id
			rr.CreatedAt, rr.UpdatedAt = now, now
			args = append(args, int64(id), rr.RuleID, rr.RuleName, string(rr.Status),
				rr.Message, rr.DetailsError, rr.Output, parsed, now, now)
		}
		if _, err := tx.ExecContext(ctx, r.rebind(b.String()), args...); err != nil {
			return fmt.Errorf("insert rule results: %w", err)
		}
	}
	return nil
}

// Rescore recounts the rule results of id and stores the aggregate.
func (r *ComplianceRepository) Rescore(ctx context.Context, id domain.ResultID) (agg domain.Aggregate, err error) {
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.lockResult(ctx, tx, id); err != nil {
			return err
		}
		agg, err = r.recount(ctx, tx, id)
		return err
	})
	return agg, err
}

// Remediate flips one rule result and rescores its owner. The owning row is
// locked first, so concurrent remediations of one result apply one after
// the other and the last aggregate written always matches the rule results.
func (r *ComplianceRepository) Remediate(ctx context.Context, ruleResultID int64, status domain.RuleStatus) (rem domain.Remediation, err error) {
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		q := `SELECT compliance_result_id FROM rule_results WHERE id=?`
		if err := tx.QueryRowContext(ctx, r.rebind(q), ruleResultID).Scan(&owner); err != nil {
			return notFound(err)
		}
		rem.ComplianceResultID = domain.ResultID(owner)
		if err := r.lockResult(ctx, tx, rem.ComplianceResultID); err != nil {
			return err
		}

		var from string
		q = `SELECT status FROM rule_results WHERE id=?`
		if err := tx.QueryRowContext(ctx, r.rebind(q), ruleResultID).Scan(&from); err != nil {
			return notFound(err)
		}
		rem.From, rem.To = domain.RuleStatus(from), status
		if rem.From != status {
			q = `UPDATE rule_results SET status=?, updated_at=? WHERE id=?`
			if _, err := tx.ExecContext(ctx, r.rebind(q), string(status), time.Now().UTC(), ruleResultID); err != nil {
				return fmt.Errorf("update rule result: %w", err)
			}
		}
		agg, err := r.recount(ctx, tx, rem.ComplianceResultID)
		rem.Aggregate = agg
		return err
	})
	return rem, err
}

func (r *ComplianceRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// lockResult takes the row lock on a compliance result for the rest of tx.
// A plain UPDATE does it on every dialect; sqlite has a single writer anyway.
func (r *ComplianceRepository) lockResult(ctx context.Context, tx *sql.Tx, id domain.ResultID) error {
	q := `UPDATE compliance_results SET updated_at=? WHERE id=?`
	res, err := tx.ExecContext(ctx, r.rebind(q), time.Now().UTC(), int64(id))
	if err != nil {
		return fmt.Errorf("lock compliance result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ComplianceRepository) recount(ctx context.Context, tx *sql.Tx, id domain.ResultID) (domain.Aggregate, error) {
	q := `SELECT status FROM rule_results WHERE compliance_result_id=?`
	rows, err := tx.QueryContext(ctx, r.rebind(q), int64(id))
	if err != nil {
		return domain.Aggregate{}, fmt.Errorf("querying rule results: %w", err)
	}
	var statuses []domain.RuleStatus
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return domain.Aggregate{}, err
		}
		statuses = append(statuses, domain.RuleStatus(st))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Aggregate{}, err
	}

	agg := domain.Score(statuses)
	q = `UPDATE compliance_results SET total_rules=?, passed_rules=?, failed_rules=?, score=? WHERE id=?`
	if _, err := tx.ExecContext(ctx, r.rebind(q), agg.Total, agg.Passed, agg.Failed, agg.Score, int64(id)); err != nil {
		return domain.Aggregate{}, fmt.Errorf("update score: %w", err)
	}
	return agg, nil
}

func (r *ComplianceRepository) Cancel(ctx context.Context, id domain.ResultID) error {
	q := `UPDATE compliance_results SET status='cancelled', updated_at=? WHERE id=? AND status IN ` + openStatuses
	res, err := r.db.ExecContext(ctx, r.rebind(q), time.Now().UTC(), int64(id))
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return r.expectOne(ctx, res, id)
}

func (r *ComplianceRepository) CancelRun(ctx context.Context, scanRequestID string) (int, error) {
	q := `UPDATE compliance_results SET status='cancelled', updated_at=? WHERE scan_request_id=? AND status IN ` + openStatuses
	res, err := r.db.ExecContext(ctx, r.rebind(q), time.Now().UTC(), scanRequestID)
	if err != nil {
		return 0, fmt.Errorf("cancel run: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *ComplianceRepository) RunCancelled(ctx context.Context, scanRequestID string) (bool, error) {
	const q = `SELECT COUNT(*) FROM compliance_results WHERE scan_request_id=? AND status='cancelled'`
	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(q), scanRequestID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RuleResults of one compliance result, optionally filtered by status
func (r *ComplianceRepository) RuleResults(ctx context.Context, id domain.ResultID, status domain.RuleStatus) ([]*domain.RuleResult, error) {
	q := `SELECT ` + ruleResultCols + ` FROM rule_results WHERE compliance_result_id=?`
	args := []any{int64(id)}
	if status != "" {
		q += " AND status=?"
		args = append(args, string(status))
	}
	q += " ORDER BY id"
	rows, err := r.db.QueryContext(ctx, r.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("querying rule results: %w", err)
	}
	defer rows.Close()

	var out []*domain.RuleResult
	for rows.Next() {
		rr, err := scanRuleResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (r *ComplianceRepository) GetRuleResult(ctx context.Context, id int64) (*domain.RuleResult, error) {
	q := `SELECT ` + ruleResultCols + ` FROM rule_results WHERE id=? LIMIT 1`
	rr, err := scanRuleResult(r.db.QueryRowContext(ctx, r.rebind(q), id))
	if err != nil {
		return nil, notFound(err)
	}
	return rr, nil
}

// Paginate with offset + limit (classic pagination)
func (r *ComplianceRepository) Paginate(ctx context.Context, f domain.ListFilter, page, pageSize int) (domain.PaginatedResult, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	where := " WHERE 1=1"
	var args []any
	if f.HostID > 0 {
		where += " AND host_id = ?"
		args = append(args, f.HostID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.ScanRequestID != "" {
		where += " AND scan_request_id = ?"
		args = append(args, f.ScanRequestID)
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, r.rebind("SELECT COUNT(*) FROM compliance_results"+where), args...).Scan(&total); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("counting compliance results: %w", err)
	}

	q := "SELECT " + complianceCols + " FROM compliance_results" + where + "\n ORDER BY scan_date DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, r.rebind(q), append(args, pageSize, offset)...)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying compliance results: %w", err)
	}
	defer rows.Close()

	data := []*domain.ComplianceResult{}
	for rows.Next() {
		c, err := scanCompliance(rows)
		if err != nil {
			return domain.PaginatedResult{}, fmt.Errorf("scanning row: %w", err)
		}
		data = append(data, c)
	}
	if err := rows.Err(); err != nil {
		return domain.PaginatedResult{}, err
	}

	return domain.PaginatedResult{
		Data:       data,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}, nil
}

func (r *ComplianceRepository) LatestByHost(ctx context.Context, hostID int64, limit int) ([]*domain.ComplianceResult, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + complianceCols + ` FROM compliance_results WHERE host_id=? ORDER BY scan_date DESC, id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.rebind(q), hostID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ComplianceResult
	for rows.Next() {
		c, err := scanCompliance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Statistics status breakdown plus the average score of completed results
func (r *ComplianceRepository) Statistics(ctx context.Context) (domain.Statistics, error) {
	const q = `SELECT status, COUNT(*), COALESCE(SUM(score), 0) FROM compliance_results GROUP BY status`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return domain.Statistics{}, err
	}
	defer rows.Close()

	stats := domain.Statistics{ByStatus: map[domain.Status]int{}}
	var completedSum float64
	for rows.Next() {
		var status string
		var n int
		var sum float64
		if err := rows.Scan(&status, &n, &sum); err != nil {
			return domain.Statistics{}, err
		}
		stats.ByStatus[domain.Status(status)] = n
		stats.Total += n
		if domain.Status(status) == domain.StatusCompleted {
			completedSum = sum
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Statistics{}, err
	}
	if n := stats.ByStatus[domain.StatusCompleted]; n > 0 {
		stats.AverageScore = math.Round(completedSum/float64(n)*10) / 10
	}
	return stats, nil
}
