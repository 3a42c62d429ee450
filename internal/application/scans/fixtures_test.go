package scans

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-hardening/internal/application"
	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db/sqlite"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/automaton-hardening/internal/metrics"
	"github.com/bryanwahyu/automaton-hardening/internal/protocol"
)

type env struct {
	db       *sql.DB
	inv      *sqlstore.InventoryRepository
	repo     *sqlstore.ComplianceRepository
	errs     *sqlstore.ScanErrorRepository
	broker   *recBroker
	notifier *recNotifier
	workload int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "scans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlstore.Migrate(ctx, db, sqlstore.SQLite))

	e := &env{
		db:       db,
		inv:      sqlstore.NewInventoryRepository(db, sqlstore.SQLite),
		repo:     sqlstore.NewComplianceRepository(db, sqlstore.SQLite),
		errs:     sqlstore.NewScanErrorRepository(db, sqlstore.SQLite),
		broker:   &recBroker{},
		notifier: &recNotifier{},
	}
	e.workload, err = e.inv.CreateWorkload(ctx, "linux-base", "")
	require.NoError(t, err)
	for _, r := range []*domain.Rule{
		{WorkloadID: e.workload, Name: "password policy", Command: "grep credit /etc/security/pwquality.conf", Active: true,
			Parameters: map[string]any{"ucredit": -1, "lcredit": -1}},
		{WorkloadID: e.workload, Name: "root login", Command: "sshd -T | grep permitrootlogin", Active: true,
			Parameters: map[string]any{"permitrootlogin": "no"}},
	} {
		require.NoError(t, e.inv.CreateRule(ctx, r))
	}
	return e
}

// addHosts creates n active hosts in the shared workload and returns their ids.
func (e *env) addHosts(t *testing.T, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		h := &domain.HostTarget{
			Hostname:    fmt.Sprintf("node-%d", i),
			Address:     fmt.Sprintf("10.1.0.%d", i+1),
			WorkloadID:  e.workload,
			Active:      true,
			Credentials: domain.Credentials{Username: "audit", Password: "pw"},
		}
		require.NoError(t, e.inv.CreateHost(context.Background(), h))
		ids = append(ids, h.ID)
	}
	return ids
}

func (e *env) dispatcher() *Dispatcher {
	return &Dispatcher{
		Inventory: e.inv,
		Repo:      e.repo,
		Errors:    e.errs,
		Broker:    e.broker,
		Clock:     application.SystemClock{},
		Metrics:   metrics.Discard(),
		Log:       zerolog.Nop(),
	}
}

func (e *env) coordinator(batch int) *Coordinator {
	return &Coordinator{
		Inventory:        e.inv,
		Repo:             e.repo,
		Dispatcher:       e.dispatcher(),
		Notifier:         e.notifier,
		DefaultBatchSize: batch,
		MaxBatchSize:     500,
		Log:              zerolog.Nop(),
	}
}

func (e *env) listener() *Listener {
	return &Listener{
		Repo:     e.repo,
		Errors:   e.errs,
		Broker:   e.broker,
		Notifier: e.notifier,
		Metrics:  metrics.Discard(),
		Log:      zerolog.Nop(),
	}
}

// recBroker records published payloads. onPublish runs after each record.
type recBroker struct {
	mu        sync.Mutex
	published [][]byte
	err       error
	onPublish func()
}

func (b *recBroker) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return b.err
	}
	b.published = append(b.published, payload)
	hook := b.onPublish
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (b *recBroker) Subscribe(ctx context.Context, _ string, _ func(context.Context, []byte)) error {
	<-ctx.Done()
	return nil
}

func (b *recBroker) Close() error { return nil }

func (b *recBroker) requests(t *testing.T) []protocol.ScanRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.ScanRequest, 0, len(b.published))
	for _, p := range b.published {
		req, err := protocol.DecodeRequest(p)
		require.NoError(t, err)
		out = append(out, req)
	}
	return out
}

type recNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recNotifier) Notify(ev domain.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return true
}

func (n *recNotifier) last() domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return domain.Event{}
	}
	return n.events[len(n.events)-1]
}
