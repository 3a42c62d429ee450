package scans

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
)

func TestCoordinatorVisitsEveryHostOnce(t *testing.T) {
	for _, n := range []int{0, 1, 5, 7} {
		for _, p := range []int{1, 3, 7, 20} {
			t.Run(fmt.Sprintf("hosts=%d/page=%d", n, p), func(t *testing.T) {
				e := newEnv(t)
				ids := e.addHosts(t, n)

				sum, err := e.coordinator(p).Start(context.Background(), StartCommand{All: true, RequestedBy: "ops"})
				require.NoError(t, err)
				assert.Equal(t, n, sum.TotalHosts)
				assert.Equal(t, n, sum.Dispatched)

				seen := map[int64]int{}
				for _, r := range e.broker.requests(t) {
					seen[r.HostID]++
					assert.Equal(t, sum.ScanRequestID, r.ScanRequestID)
				}
				assert.Len(t, seen, n)
				for _, id := range ids {
					assert.Equal(t, 1, seen[id], "host %d", id)
				}
				wantBatches := (n + p - 1) / p
				if n == 0 {
					wantBatches = 1
				}
				assert.Equal(t, wantBatches, sum.Batches)
			})
		}
	}
}

func TestCoordinatorAllSurvivesInventoryChanges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ids := e.addHosts(t, 6)

	// after the first host went out, an already visited host leaves the fleet
	// and a new one joins
	var added int64
	once := false
	e.broker.onPublish = func() {
		if once {
			return
		}
		once = true
		_, err := e.db.ExecContext(ctx, `UPDATE hosts SET active=? WHERE id=?`, false, ids[0])
		require.NoError(t, err)
		added = e.addHosts(t, 1)[0]
	}

	sum, err := e.coordinator(2).Start(ctx, StartCommand{All: true})
	require.NoError(t, err)

	seen := map[int64]int{}
	for _, r := range e.broker.requests(t) {
		seen[r.HostID]++
	}
	for _, id := range append(ids, added) {
		assert.Equal(t, 1, seen[id], "host %d", id)
	}
	assert.Equal(t, 7, sum.Dispatched)
}

// flakyInventory fails ListHosts past the first page a fixed number of times.
type flakyInventory struct {
	domain.Inventory
	fails int
}

func (f *flakyInventory) ListHosts(ctx context.Context, afterID int64, limit int) (domain.HostPage, error) {
	if afterID > 0 && f.fails > 0 {
		f.fails--
		return domain.HostPage{}, errors.New("connection reset")
	}
	return f.Inventory.ListHosts(ctx, afterID, limit)
}

func TestCoordinatorRetriesFailedPage(t *testing.T) {
	e := newEnv(t)
	e.addHosts(t, 5)
	c := e.coordinator(2)
	c.Inventory = &flakyInventory{Inventory: e.inv, fails: 1}

	sum, err := c.Start(context.Background(), StartCommand{All: true})
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Dispatched)
	assert.Zero(t, sum.Errors)
	assert.Equal(t, 4, sum.Batches)
	assert.Equal(t, "connection reset", sum.BatchSummaries[1].Error)
}

func TestCoordinatorGivesUpAfterRepeatedListFailures(t *testing.T) {
	e := newEnv(t)
	e.addHosts(t, 5)
	c := e.coordinator(2)
	c.Inventory = &flakyInventory{Inventory: e.inv, fails: 10}

	sum, err := c.Start(context.Background(), StartCommand{All: true})
	require.NoError(t, err)
	assert.Equal(t, 5, sum.TotalHosts)
	assert.Equal(t, 2, sum.Dispatched)
	assert.Equal(t, 3, sum.Errors, "hosts never read count as errors")
	assert.Equal(t, 1+maxListFailures, sum.Batches)
}

func TestCoordinatorExplicitHosts(t *testing.T) {
	e := newEnv(t)
	ids := e.addHosts(t, 3)

	sum, err := e.coordinator(2).Start(context.Background(), StartCommand{
		HostIDs: []int64{ids[2], ids[0], ids[2], ids[1], 9999},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 3, sum.Dispatched)
	assert.Equal(t, 3, sum.TotalHosts)
	assert.Len(t, e.broker.requests(t), 3)

	ev := e.notifier.last()
	assert.Equal(t, domain.EventRunSummary, ev.Type)
}

func TestCoordinatorStopsAfterCancel(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.addHosts(t, 4)
	c := e.coordinator(1)
	c.Pacing = time.Millisecond

	cmd, err := c.Prepare(StartCommand{All: true})
	require.NoError(t, err)
	e.broker.onPublish = func() {
		_, err := e.repo.CancelRun(ctx, cmd.ScanRequestID)
		require.NoError(t, err)
	}

	sum, err := c.Start(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 1, sum.Dispatched)
	assert.Equal(t, 1, sum.Batches)
}

func TestCoordinatorHonoursContext(t *testing.T) {
	e := newEnv(t)
	e.addHosts(t, 3)
	c := e.coordinator(1)
	c.Pacing = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	e.broker.onPublish = cancel

	sum, err := c.Start(ctx, StartCommand{All: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Dispatched)
}

func TestCoordinatorPrepare(t *testing.T) {
	c := &Coordinator{DefaultBatchSize: 100, MaxBatchSize: 500}

	_, err := c.Prepare(StartCommand{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = c.Prepare(StartCommand{All: true, HostIDs: []int64{1}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	cmd, err := c.Prepare(StartCommand{All: true})
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ScanRequestID)
	assert.Equal(t, 100, cmd.BatchSize)

	assert.Equal(t, 500, c.BatchSize(10000))
	assert.Equal(t, 7, c.BatchSize(7))
	assert.Equal(t, 100, c.BatchSize(-1))
}
