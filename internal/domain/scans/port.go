package scans

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNotOpen is returned when a row already reached a terminal status.
	ErrNotOpen = errors.New("compliance result is not pending or running")
	// ErrInvalidInput wraps caller mistakes (bad status, empty host selection).
	ErrInvalidInput = errors.New("invalid input")
)

// Inventory port (read-only view of hosts, workloads and rules)
type Inventory interface {
	GetHost(ctx context.Context, id int64) (*HostTarget, error)
	HostsByIDs(ctx context.Context, ids []int64) ([]*HostTarget, error)
	// ListHosts returns up to limit active hosts with id > afterID, ordered
	// by id. Hosts added or removed mid-walk never shift the cursor.
	ListHosts(ctx context.Context, afterID int64, limit int) (HostPage, error)
	ActiveRules(ctx context.Context, workloadID int64) ([]*Rule, error)
}

// Repository port (interface untuk persistence)
type Repository interface {
	Create(ctx context.Context, r *ComplianceResult) error
	Get(ctx context.Context, id ResultID) (*ComplianceResult, error)
	// FindOpen returns the pending/running row for a host, preferring the one
	// tagged with scanRequestID and falling back to the most recent.
	FindOpen(ctx context.Context, hostID int64, scanRequestID string) (*ComplianceResult, error)
	UpdateStatus(ctx context.Context, id ResultID, status Status, detail string) error
	// Finalize inserts rule results and writes the aggregate in one transaction.
	Finalize(ctx context.Context, r *ComplianceResult, results []*RuleResult) error
	// Rescore recounts the persisted rule results and writes the aggregate
	// back in one transaction.
	Rescore(ctx context.Context, id ResultID) (Aggregate, error)
	Cancel(ctx context.Context, id ResultID) error
	CancelRun(ctx context.Context, scanRequestID string) (int, error)
	RunCancelled(ctx context.Context, scanRequestID string) (bool, error)

	RuleResults(ctx context.Context, id ResultID, status RuleStatus) ([]*RuleResult, error)
	GetRuleResult(ctx context.Context, id int64) (*RuleResult, error)
	// Remediate sets one rule result's status and rescores its compliance
	// result in the same transaction.
	Remediate(ctx context.Context, ruleResultID int64, status RuleStatus) (Remediation, error)

	Paginate(ctx context.Context, filter ListFilter, page, pageSize int) (PaginatedResult, error)
	LatestByHost(ctx context.Context, hostID int64, limit int) ([]*ComplianceResult, error)
	Statistics(ctx context.Context) (Statistics, error)
}

// Broker port: best-effort pub/sub, at-most-once.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe blocks, calling handle for every message until ctx is done.
	Subscribe(ctx context.Context, channel string, handle func(ctx context.Context, payload []byte)) error
	Close() error
}

// Event pushed to live subscribers. An empty Recipient means broadcast.
type Event struct {
	Type      string `json:"type"`
	Recipient string `json:"-"`
	Data      any    `json:"data,omitempty"`
}

const (
	EventConnected     = "connected"
	EventScanCompleted = "scan_completed"
	EventScanFailed    = "scan_failed"
	EventRunSummary    = "scan_run_summary"
	EventRescored      = "compliance_rescored"
	EventHeartbeat     = "heartbeat"
)

// Notifier port: never blocks; returns false when the event was dropped.
type Notifier interface {
	Notify(ev Event) bool
}

// ArchiveStore port (raw response archive)
type ArchiveStore interface {
	Put(ctx context.Context, key string, payload []byte) (string, error)
}
