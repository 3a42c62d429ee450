package scans

// PaginatedResult represents a paginated response with data and metadata
type PaginatedResult struct {
	Data       []*ComplianceResult `json:"data"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"pageSize"`
	Total      int64               `json:"totalItems"`
	TotalPages int                 `json:"totalPages"`
}

// ListFilter narrows a compliance listing. Zero values are ignored.
type ListFilter struct {
	HostID        int64
	Status        Status
	ScanRequestID string
}

// HostPage is one keyset slice of the inventory: active hosts with an id
// above AfterID, ordered by id.
type HostPage struct {
	Hosts   []*HostTarget
	AfterID int64
	Limit   int
	// Remaining active hosts past AfterID when the page was read, this page
	// included.
	Remaining int
}

// Next cursor for the following page.
func (p HostPage) Next() int64 {
	if len(p.Hosts) == 0 {
		return p.AfterID
	}
	return p.Hosts[len(p.Hosts)-1].ID
}

// Done reports whether no host remains past this page.
func (p HostPage) Done() bool {
	return len(p.Hosts) == 0 || len(p.Hosts) >= p.Remaining
}
