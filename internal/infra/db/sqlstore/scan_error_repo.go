package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scanerrors"
)

type ScanErrorRepository struct {
	store
}

func NewScanErrorRepository(db *sql.DB, d Dialect) *ScanErrorRepository {
	return &ScanErrorRepository{store{db: db, dialect: d}}
}

func (r *ScanErrorRepository) Save(ctx context.Context, e *domain.ScanError) error {
	const q = `
INSERT INTO scan_errors
  (host_id, scan_request_id, phase, message, details_json, created_at)
VALUES (?,?,?,?,?,?)`
	req := dashIfEmpty(e.ScanRequestID)
	phase := dashIfEmpty(e.Phase)
	msg := dashIfEmpty(e.Message)
	details := e.DetailsJSON
	if strings.TrimSpace(details) == "" {
		details = "{}"
	} else {
		// ensure valid json; if invalid, wrap as string field
		var js any
		if json.Unmarshal([]byte(details), &js) != nil {
			b, _ := json.Marshal(map[string]string{"raw": details})
			details = string(b)
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	id, err := r.insert(ctx, r.db, q, e.HostID, req, phase, msg, details, e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (r *ScanErrorRepository) ListByHost(ctx context.Context, hostID int64, limit int) ([]*domain.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, host_id, scan_request_id, phase, COALESCE(message, ''), COALESCE(details_json, ''), created_at
FROM scan_errors
WHERE host_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.rebind(q), hostID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.ScanError
	for rows.Next() {
		var e domain.ScanError
		if err := rows.Scan(&e.ID, &e.HostID, &e.ScanRequestID, &e.Phase, &e.Message, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
