package scans

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-hardening/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/protocol"
)

// dispatchOne dispatches a single fresh host and returns its request.
func dispatchOne(t *testing.T, e *env, requestedBy string) protocol.ScanRequest {
	t.Helper()
	ids := e.addHosts(t, 1)
	hosts, err := e.inv.HostsByIDs(context.Background(), ids)
	require.NoError(t, err)
	sum := e.dispatcher().Dispatch(context.Background(), protocol.NewScanRequestID(), requestedBy, hosts)
	require.Equal(t, 1, sum.Dispatched)
	reqs := e.broker.requests(t)
	return reqs[len(reqs)-1]
}

func responseFor(t *testing.T, req protocol.ScanRequest, passed, failed int) []byte {
	t.Helper()
	resp := protocol.ScanResponse{
		ScanRequestID: req.ScanRequestID,
		HostID:        req.HostID,
		Status:        protocol.ResponseCompleted,
		CompletedAt:   time.Now().UTC(),
	}
	for i := 0; i < passed+failed; i++ {
		status := "passed"
		if i >= passed {
			status = "failed"
		}
		resp.RuleResults = append(resp.RuleResults, protocol.RuleVerdict{
			RuleID: int64(i + 1), Status: status, Output: "ucredit=-1", ParsedOutput: map[string]string{"ucredit": "-1"},
		})
	}
	resp.TotalRules = passed + failed
	resp.RulesPassed = passed
	resp.RulesFailed = failed
	payload, err := protocol.EncodeResponse(resp)
	require.NoError(t, err)
	return payload
}

func TestListenerPersistsAndScores(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	req := dispatchOne(t, e, "alice")
	l := e.listener()

	require.NoError(t, l.Handle(ctx, responseFor(t, req, 7, 3)))

	page, err := e.repo.Paginate(ctx, domain.ListFilter{HostID: req.HostID}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	got := page.Data[0]
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 10, got.TotalRules)
	assert.Equal(t, 7, got.PassedRules)
	assert.Equal(t, 3, got.FailedRules)
	assert.Equal(t, 70.0, got.Score)

	rules, err := e.repo.RuleResults(ctx, got.ID, "")
	require.NoError(t, err)
	assert.Len(t, rules, 10)

	ev := e.notifier.last()
	assert.Equal(t, domain.EventScanCompleted, ev.Type)
	assert.Equal(t, "alice", ev.Recipient)

	assert.Equal(t, ListenerStats{Received: 1, Saved: 1}, l.Stats())

	// a duplicate delivery finds no open row
	assert.ErrorIs(t, l.Handle(ctx, responseFor(t, req, 7, 3)), ErrUncorrelated)
	rules, err = e.repo.RuleResults(ctx, got.ID, "")
	require.NoError(t, err)
	assert.Len(t, rules, 10)
}

func TestListenerDiscardsUncorrelatedAndInvalid(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	l := e.listener()

	unknown := protocol.ScanRequest{ScanRequestID: protocol.NewScanRequestID(), HostID: 4242}
	assert.ErrorIs(t, l.Handle(ctx, responseFor(t, unknown, 1, 0)), ErrUncorrelated)
	assert.ErrorIs(t, l.Handle(ctx, []byte(`{"type":"scan_response","data":{}}`)), protocol.ErrInvalidMessage)
	assert.Error(t, l.Handle(ctx, []byte(`not json`)))

	stats, err := e.repo.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Equal(t, ListenerStats{Received: 3, Discarded: 3}, l.Stats())
}

func TestListenerFailedResponse(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	req := dispatchOne(t, e, "")
	l := e.listener()

	payload, err := protocol.EncodeResponse(protocol.ScanResponse{
		ScanRequestID: req.ScanRequestID,
		HostID:        req.HostID,
		Status:        protocol.ResponseFailed,
		DetailError:   "connection to 10.1.0.1:22 failed: i/o timeout",
	})
	require.NoError(t, err)
	require.NoError(t, l.Handle(ctx, payload))

	hist, err := e.repo.LatestByHost(ctx, req.HostID, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.StatusFailed, hist[0].Status)
	assert.Zero(t, hist[0].Score)
	assert.Contains(t, hist[0].DetailError, "i/o timeout")

	logged, err := e.errs.ListByHost(ctx, req.HostID, 5)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, scanerrors.PhaseSession, logged[0].Phase)

	ev := e.notifier.last()
	assert.Equal(t, domain.EventScanFailed, ev.Type)
	assert.Empty(t, ev.Recipient)
}

func TestListenerLeavesCancelledRowAlone(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	req := dispatchOne(t, e, "")
	_, err := e.repo.CancelRun(ctx, req.ScanRequestID)
	require.NoError(t, err)

	l := e.listener()
	assert.ErrorIs(t, l.Handle(ctx, responseFor(t, req, 2, 0)), ErrUncorrelated)

	hist, err := e.repo.LatestByHost(ctx, req.HostID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, hist[0].Status)
}

type failingFinalize struct {
	domain.Repository
}

func (failingFinalize) Finalize(context.Context, *domain.ComplianceResult, []*domain.RuleResult) error {
	return errors.New("database is locked")
}

func TestListenerPersistenceErrorLeavesResponseUnprocessed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	req := dispatchOne(t, e, "")
	l := e.listener()
	l.Repo = failingFinalize{e.repo}

	err := l.Handle(ctx, responseFor(t, req, 1, 1))
	var perr *scanerrors.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "finalize", perr.Op)
	assert.Equal(t, ListenerStats{Received: 1, Failed: 1}, l.Stats())

	open, err := e.repo.FindOpen(ctx, req.HostID, req.ScanRequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, open.Status)
	rules, err := e.repo.RuleResults(ctx, open.ID, "")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

type memArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *memArchive) Put(_ context.Context, key string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return "mem://" + key, nil
}

func TestListenerArchivesRawResponse(t *testing.T) {
	e := newEnv(t)
	req := dispatchOne(t, e, "")
	arch := &memArchive{}
	l := e.listener()
	l.Archive = arch

	require.NoError(t, l.Handle(context.Background(), responseFor(t, req, 1, 0)))
	require.Len(t, arch.keys, 1)
	assert.Contains(t, arch.keys[0], req.ScanRequestID)
}
