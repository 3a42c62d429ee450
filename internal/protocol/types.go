// Package protocol defines the wire contract between the dispatcher and the
// workers: two pub/sub channels carrying a {type, data} JSON envelope.
package protocol

import (
	"encoding/json"
	"time"
)

const (
	ChannelScanRequest  = "scan.request"
	ChannelScanResponse = "scan.response"

	TypeScanRequest  = "scan_request"
	TypeScanResponse = "scan_response"
)

// Host-level response status
const (
	ResponseCompleted = "completed"
	ResponseFailed    = "failed"
)

// Envelope wraps every message on both channels.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// RuleInfo rule as shipped to the worker
type RuleInfo struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Credentials for the remote session
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// ScanRequest one host's work for one dispatch invocation
type ScanRequest struct {
	ScanRequestID string      `json:"scan_request_id"`
	HostID        int64       `json:"host_id"`
	Hostname      string      `json:"hostname,omitempty"`
	HostAddress   string      `json:"host_address"`
	SSHPort       int         `json:"ssh_port"`
	Role          string      `json:"role,omitempty"`
	WorkloadID    int64       `json:"workload_id"`
	WorkloadName  string      `json:"workload_name,omitempty"`
	RequestedBy   string      `json:"requested_by,omitempty"`
	Credentials   Credentials `json:"credentials"`
	Rules         []RuleInfo  `json:"rules"`
	DispatchedAt  time.Time   `json:"dispatched_at"`
}

// RuleVerdict per-rule outcome
type RuleVerdict struct {
	RuleID       int64             `json:"rule_id"`
	RuleName     string            `json:"rule_name,omitempty"`
	Status       string            `json:"status"`
	ParsedOutput map[string]string `json:"parsed_output,omitempty"`
	Message      string            `json:"message,omitempty"`
	DetailsError string            `json:"details_error,omitempty"`
	Output       string            `json:"output,omitempty"`
}

// ScanResponse a worker's report for one host
type ScanResponse struct {
	ScanRequestID string        `json:"scan_request_id"`
	HostID        int64         `json:"host_id"`
	Status        string        `json:"status"`
	TotalRules    int           `json:"total_rules"`
	RulesPassed   int           `json:"rules_passed"`
	RulesFailed   int           `json:"rules_failed"`
	RuleResults   []RuleVerdict `json:"rule_results"`
	DetailError   string        `json:"detail_error,omitempty"`
	CompletedAt   time.Time     `json:"completed_at"`
}
