package scans

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/protocol"
)

// StartCommand selects the hosts of one scan run. Exactly one of HostIDs or
// All must be set.
type StartCommand struct {
	HostIDs     []int64
	All         bool
	BatchSize   int
	RequestedBy string
	// ScanRequestID is generated when empty.
	ScanRequestID string
}

// Summary of a whole run
type Summary struct {
	ScanRequestID  string         `json:"scan_request_id"`
	TotalHosts     int            `json:"total_hosts"`
	Batches        int            `json:"batches"`
	Dispatched     int            `json:"dispatched"`
	Skipped        int            `json:"skipped"`
	Errors         int            `json:"errors"`
	Cancelled      bool           `json:"cancelled"`
	BatchSummaries []BatchSummary `json:"batch_summaries"`
}

// Coordinator splits the fleet into bounded batches and paces them.
type Coordinator struct {
	Inventory        domain.Inventory
	Repo             domain.Repository
	Dispatcher       *Dispatcher
	Notifier         domain.Notifier
	DefaultBatchSize int
	MaxBatchSize     int
	Pacing           time.Duration
	Log              zerolog.Logger
}

// BatchSize clamps n to [1, MaxBatchSize]; zero picks the default.
func (c *Coordinator) BatchSize(n int) int {
	if n <= 0 {
		n = c.DefaultBatchSize
	}
	if c.MaxBatchSize > 0 && n > c.MaxBatchSize {
		n = c.MaxBatchSize
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Prepare validates cmd and fills the run id so callers can return it
// before the run starts.
func (c *Coordinator) Prepare(cmd StartCommand) (StartCommand, error) {
	if cmd.All == (len(cmd.HostIDs) > 0) {
		return cmd, fmt.Errorf("%w: pass either host ids or all hosts", domain.ErrInvalidInput)
	}
	if cmd.ScanRequestID == "" {
		cmd.ScanRequestID = protocol.NewScanRequestID()
	}
	cmd.BatchSize = c.BatchSize(cmd.BatchSize)
	return cmd, nil
}

// Start runs the whole dispatch. A failing batch is counted and the run goes
// on. Only a cancelled ctx or an unreadable first page stops it with an error.
func (c *Coordinator) Start(ctx context.Context, cmd StartCommand) (Summary, error) {
	cmd, err := c.Prepare(cmd)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{ScanRequestID: cmd.ScanRequestID, BatchSummaries: []BatchSummary{}}
	log := c.Log.With().Str("scan_request_id", cmd.ScanRequestID).Logger()
	log.Info().Bool("all", cmd.All).Int("host_ids", len(cmd.HostIDs)).Int("batch_size", cmd.BatchSize).Msg("scan run started")

	if cmd.All {
		err = c.runAll(ctx, cmd, &sum)
	} else {
		err = c.runExplicit(ctx, cmd, &sum)
	}

	log.Info().
		Int("batches", sum.Batches).
		Int("dispatched", sum.Dispatched).
		Int("skipped", sum.Skipped).
		Int("errors", sum.Errors).
		Bool("cancelled", sum.Cancelled).
		Msg("scan run finished")
	if c.Notifier != nil {
		c.Notifier.Notify(domain.Event{Type: domain.EventRunSummary, Recipient: cmd.RequestedBy, Data: sum})
	}
	return sum, err
}

func (c *Coordinator) runExplicit(ctx context.Context, cmd StartCommand, sum *Summary) error {
	ids := dedupe(cmd.HostIDs)
	for start := 0; start < len(ids); start += cmd.BatchSize {
		end := min(start+cmd.BatchSize, len(ids))
		if stop, err := c.beforeBatch(ctx, cmd.ScanRequestID, sum); stop {
			return err
		}

		b := BatchSummary{Batch: sum.Batches + 1}
		hosts, err := c.Inventory.HostsByIDs(ctx, ids[start:end])
		if err != nil {
			b.Errors = end - start
			b.Error = err.Error()
			c.Log.Error().Err(err).Int("batch", b.Batch).Msg("resolve hosts failed")
		} else {
			sum.TotalHosts += len(hosts)
			b.add(c.Dispatcher.Dispatch(ctx, cmd.ScanRequestID, cmd.RequestedBy, hosts))
		}
		c.record(sum, b)
	}
	return nil
}

// maxListFailures consecutive inventory read failures end an all-host run.
const maxListFailures = 3

// runAll walks the inventory with an id cursor, so hosts deleted or added
// mid-run never make it skip or repeat one.
func (c *Coordinator) runAll(ctx context.Context, cmd StartCommand, sum *Summary) error {
	var after int64
	left, failures := -1, 0
	for {
		if stop, err := c.beforeBatch(ctx, cmd.ScanRequestID, sum); stop {
			return err
		}

		b := BatchSummary{Batch: sum.Batches + 1}
		page, err := c.Inventory.ListHosts(ctx, after, cmd.BatchSize)
		if err != nil {
			if left < 0 {
				return fmt.Errorf("list hosts: %w", err)
			}
			failures++
			b.Error = err.Error()
			c.Log.Error().Err(err).Int("batch", b.Batch).Int64("after_id", after).Int("attempt", failures).Msg("list hosts failed")
			if failures >= maxListFailures {
				// the cursor cannot move past a page it never read
				b.Errors = left
				c.record(sum, b)
				return nil
			}
			c.record(sum, b)
			continue
		}
		failures = 0
		if left < 0 {
			sum.TotalHosts = page.Remaining
		}
		left = page.Remaining - len(page.Hosts)
		after = page.Next()
		b.add(c.Dispatcher.Dispatch(ctx, cmd.ScanRequestID, cmd.RequestedBy, page.Hosts))
		c.record(sum, b)
		if page.Done() {
			return nil
		}
	}
}

// beforeBatch paces between batches and stops the run once it was cancelled.
func (c *Coordinator) beforeBatch(ctx context.Context, scanRequestID string, sum *Summary) (bool, error) {
	if sum.Batches > 0 && c.Pacing > 0 {
		t := time.NewTimer(c.Pacing)
		select {
		case <-ctx.Done():
			t.Stop()
			return true, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return true, err
	}
	if sum.Batches == 0 {
		return false, nil
	}
	cancelled, err := c.Repo.RunCancelled(ctx, scanRequestID)
	if err != nil {
		c.Log.Warn().Err(err).Str("scan_request_id", scanRequestID).Msg("cancel check failed")
		return false, nil
	}
	if cancelled {
		sum.Cancelled = true
		c.Log.Info().Str("scan_request_id", scanRequestID).Msg("run cancelled, no further batches")
		return true, nil
	}
	return false, nil
}

func (c *Coordinator) record(sum *Summary, b BatchSummary) {
	sum.Batches++
	sum.Dispatched += b.Dispatched
	sum.Skipped += b.Skipped
	sum.Errors += b.Errors
	sum.BatchSummaries = append(sum.BatchSummaries, b)
	c.Log.Debug().
		Int("batch", b.Batch).
		Int("hosts", b.Hosts).
		Int("dispatched", b.Dispatched).
		Int("skipped", b.Skipped).
		Int("errors", b.Errors).
		Msg("batch done")
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
