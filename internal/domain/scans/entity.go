package scans

import (
	"time"
)

// ID tipe untuk ComplianceResult
type ResultID int64

// Status lifecycle of a ComplianceResult
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no listener may move the row any further.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RuleStatus outcome of a single rule on a single host
type RuleStatus string

const (
	RulePassed  RuleStatus = "passed"
	RuleFailed  RuleStatus = "failed"
	RuleSkipped RuleStatus = "skipped"
	RuleError   RuleStatus = "error"
)

func (s RuleStatus) Valid() bool {
	switch s {
	case RulePassed, RuleFailed, RuleSkipped, RuleError:
		return true
	}
	return false
}

// Credentials used to open a remote session on a host
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// HostTarget is read from the inventory, never written by the scanner.
type HostTarget struct {
	ID           int64       `json:"id"`
	Hostname     string      `json:"hostname"`
	Address      string      `json:"address"`
	SSHPort      int         `json:"ssh_port"`
	WorkloadID   int64       `json:"workload_id,omitempty"`
	WorkloadName string      `json:"workload_name,omitempty"`
	Role         string      `json:"role,omitempty"`
	OwnerID      string      `json:"owner_id,omitempty"`
	Active       bool        `json:"active"`
	Credentials  Credentials `json:"-"`
}

// HasWorkload reports whether rules can be resolved for the host.
func (h HostTarget) HasWorkload() bool { return h.WorkloadID > 0 }

// Rule belongs to a workload; Parameters is the loosely typed expectation map.
type Rule struct {
	ID         int64          `json:"id"`
	WorkloadID int64          `json:"workload_id"`
	Name       string         `json:"name"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Active     bool           `json:"active"`
}

// Aggregate Root: ComplianceResult (one per host per scan invocation)
type ComplianceResult struct {
	ID            ResultID  `json:"id"`
	HostID        int64     `json:"host_id"`
	ScanRequestID string    `json:"scan_request_id"`
	RequestedBy   string    `json:"requested_by,omitempty"`
	Status        Status    `json:"status"`
	TotalRules    int       `json:"total_rules"`
	PassedRules   int       `json:"passed_rules"`
	FailedRules   int       `json:"failed_rules"`
	Score         float64   `json:"score"`
	DetailError   string    `json:"detail_error,omitempty"`
	ScanDate      time.Time `json:"scan_date"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RuleResult child of ComplianceResult
type RuleResult struct {
	ID                 int64             `json:"id"`
	ComplianceResultID ResultID          `json:"compliance_result_id"`
	RuleID             int64             `json:"rule_id"`
	RuleName           string            `json:"rule_name,omitempty"`
	Status             RuleStatus        `json:"status"`
	Message            string            `json:"message,omitempty"`
	DetailsError       string            `json:"details_error,omitempty"`
	Output             string            `json:"output,omitempty"`
	ParsedOutput       map[string]string `json:"parsed_output,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Remediation is the outcome of correcting one rule result by hand.
type Remediation struct {
	ComplianceResultID ResultID
	From, To           RuleStatus
	Aggregate          Aggregate
}

// ComplianceDetail result + its rule results
type ComplianceDetail struct {
	ComplianceResult
	Host        *HostTarget   `json:"host,omitempty"`
	RuleResults []*RuleResult `json:"rule_results"`
}

// Statistics status breakdown of compliance results
type Statistics struct {
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"by_status"`
	AverageScore float64        `json:"average_score"`
}
