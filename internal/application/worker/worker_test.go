package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-hardening/internal/application"
	"github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/broker/memory"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/remote"
	"github.com/bryanwahyu/automaton-hardening/internal/protocol"
)

// scriptConn answers commands from a fixed table; "hang" blocks until ctx ends.
type scriptConn struct {
	mu      sync.Mutex
	outputs map[string]remote.Result
	closes  int
}

func (c *scriptConn) Exec(ctx context.Context, cmd string) (remote.Result, error) {
	if cmd == "hang" {
		<-ctx.Done()
		return remote.Result{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.outputs[cmd]
	if !ok {
		return remote.Result{Stderr: "command not found", ExitCode: 127}, nil
	}
	return res, nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

type scriptDialer struct {
	mu    sync.Mutex
	dials int
	conn  *scriptConn
	err   error
}

func (d *scriptDialer) Dial(context.Context, scans.HostTarget) (remote.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func newWorker(d remote.Dialer, b scans.Broker) *Worker {
	return &Worker{
		Broker:      b,
		Sessions:    remote.NewManager(d, time.Second, 50*time.Millisecond, nil, zerolog.Nop()),
		Concurrency: 4,
		Clock:       application.SystemClock{},
		Log:         zerolog.Nop(),
	}
}

func request(rules ...protocol.RuleInfo) protocol.ScanRequest {
	return protocol.ScanRequest{
		ScanRequestID: protocol.NewScanRequestID(),
		HostID:        5,
		HostAddress:   "10.0.0.5",
		SSHPort:       22,
		Credentials:   protocol.Credentials{Username: "audit", Password: "pw"},
		Rules:         rules,
	}
}

func TestScanProducesOneVerdictPerRule(t *testing.T) {
	conn := &scriptConn{outputs: map[string]remote.Result{
		"pwquality":  {Stdout: "ucredit=-1\nlcredit=-1\n"},
		"rootlogin":  {Stdout: "permitrootlogin yes\n"},
		"auditd":     {Stdout: "", Stderr: "inactive", ExitCode: 3},
		"kernel":     {Stdout: `{"kernel.randomize_va_space": 2}`},
		"maxauth":    {Stdout: "MaxAuthTries=6"},
		"cramfs_off": {Stdout: "install /bin/true\n"},
	}}
	d := &scriptDialer{conn: conn}
	w := newWorker(d, nil)

	resp := w.Scan(context.Background(), request(
		protocol.RuleInfo{ID: 1, Command: "pwquality", Parameters: map[string]any{"ucredit": -1, "lcredit": "-1", "docs": "CIS 5.4.1"}},
		protocol.RuleInfo{ID: 2, Command: "rootlogin", Parameters: map[string]any{"permitrootlogin": "no"}},
		protocol.RuleInfo{ID: 3, Command: ""},
		protocol.RuleInfo{ID: 4, Command: "pwquality", Parameters: map[string]any{"x": map[string]any{"op": "pattern", "value": "("}}},
		protocol.RuleInfo{ID: 5, Command: "hang"},
		protocol.RuleInfo{ID: 6, Command: "auditd"},
		protocol.RuleInfo{ID: 7, Command: "kernel", Parameters: map[string]any{"kernel.randomize_va_space": 2}},
		protocol.RuleInfo{ID: 8, Command: "maxauth", Parameters: map[string]any{"MaxAuthTries": map[string]any{"op": "range", "max": 4}}},
		protocol.RuleInfo{ID: 9, Command: "cramfs_off", Parameters: map[string]any{"value_1": map[string]any{"op": "contains", "value": "true"}}},
	))

	assert.Equal(t, 1, d.dials, "one session for all rules")
	assert.Equal(t, 1, conn.closes)
	assert.Equal(t, protocol.ResponseCompleted, resp.Status)

	want := map[int64]string{1: "passed", 2: "failed", 3: "skipped", 4: "error", 5: "error", 6: "failed", 7: "passed", 8: "failed", 9: "passed"}
	require.Len(t, resp.RuleResults, len(want))
	for _, v := range resp.RuleResults {
		assert.Equal(t, want[v.RuleID], v.Status, "rule %d: %s", v.RuleID, v.Message)
	}
	assert.Equal(t, "command timed out", resp.RuleResults[4].Message)
	assert.Equal(t, "inactive", resp.RuleResults[5].DetailsError)
	assert.Equal(t, "-1", resp.RuleResults[0].ParsedOutput["ucredit"])

	assert.Equal(t, 9, resp.TotalRules)
	assert.Equal(t, 3, resp.RulesPassed)
	assert.Equal(t, 6, resp.RulesFailed)
	require.NoError(t, resp.Validate())
}

func TestScanConnectionFailureFailsHost(t *testing.T) {
	d := &scriptDialer{err: errors.New("ssh: handshake failed: unable to authenticate")}
	w := newWorker(d, nil)

	resp := w.Scan(context.Background(), request(protocol.RuleInfo{ID: 1, Command: "id"}))
	assert.Equal(t, protocol.ResponseFailed, resp.Status)
	assert.Contains(t, resp.DetailError, "unable to authenticate")
	assert.Empty(t, resp.RuleResults)
	assert.Zero(t, resp.TotalRules)
}

func TestRunAnswersRequests(t *testing.T) {
	b := memory.New(16, nil, zerolog.Nop())
	defer b.Close()
	conn := &scriptConn{outputs: map[string]remote.Result{"id": {Stdout: "uid=0(root)"}}}
	w := newWorker(&scriptDialer{conn: conn}, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	responses := make(chan protocol.ScanResponse, 4)
	go func() {
		_ = b.Subscribe(ctx, protocol.ChannelScanResponse, func(_ context.Context, p []byte) {
			if resp, err := protocol.DecodeResponse(p); err == nil {
				responses <- resp
			}
		})
	}()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return b.Subscribers(protocol.ChannelScanRequest) == 1 && b.Subscribers(protocol.ChannelScanResponse) == 1
	}, time.Second, 5*time.Millisecond)

	req := request(protocol.RuleInfo{ID: 1, Command: "id"})
	payload, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, protocol.ChannelScanRequest, []byte("garbage")))
	require.NoError(t, b.Publish(ctx, protocol.ChannelScanRequest, payload))

	select {
	case resp := <-responses:
		assert.Equal(t, req.ScanRequestID, resp.ScanRequestID)
		assert.Equal(t, 1, resp.RulesPassed)
	case <-time.After(2 * time.Second):
		t.Fatal("no response published")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	short := "net.ipv4.ip_forward = 0"
	assert.Equal(t, short, truncate(short))

	// "é" is two bytes; the limit falls in the middle of one
	long := strings.Repeat("a", maxOutput-1) + strings.Repeat("é", 10)
	got := truncate(long)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, maxOutput-1)

	ascii := strings.Repeat("x", maxOutput+10)
	assert.Len(t, truncate(ascii), maxOutput)
}
