package scanerrors

import "time"

// Phase where a host-level error happened
const (
	PhaseDispatch = "dispatch"
	PhaseSession  = "session"
	PhaseListen   = "listen"
)

// ScanError represents a persisted scan error entry
type ScanError struct {
	ID            int64     `json:"id"`
	HostID        int64     `json:"host_id"`
	ScanRequestID string    `json:"scan_request_id"`
	Phase         string    `json:"phase,omitempty"` // dispatch | session | listen
	Message       string    `json:"message"`
	DetailsJSON   string    `json:"details_json,omitempty"` // raw JSON string
	CreatedAt     time.Time `json:"created_at"`
}
