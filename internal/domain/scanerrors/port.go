package scanerrors

import (
	"context"
)

// Repository defines persistence for scan errors
type Repository interface {
	Save(ctx context.Context, e *ScanError) error
	ListByHost(ctx context.Context, hostID int64, limit int) ([]*ScanError, error)
}
