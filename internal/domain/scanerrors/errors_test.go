package scanerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyUnwraps(t *testing.T) {
	cause := context.DeadlineExceeded

	var connErr *ConnectionError
	err := fmt.Errorf("open session: %w", &ConnectionError{Host: "10.0.0.5:22", Err: cause})
	assert.True(t, errors.As(err, &connErr))
	assert.Equal(t, "10.0.0.5:22", connErr.Host)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var persistErr *PersistenceError
	err = fmt.Errorf("listener: %w", &PersistenceError{Op: "finalize", Err: cause})
	assert.True(t, errors.As(err, &persistErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	timeout := &ExecutionTimeout{Command: "sysctl -a", Timeout: 30 * time.Second}
	assert.Contains(t, timeout.Error(), "30s")
}

func TestSkipMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("batch: %w", Skip(7, "no workload"))
	assert.ErrorIs(t, err, ErrDispatchSkip)
	assert.Contains(t, err.Error(), "host 7 skipped: no workload")
}
