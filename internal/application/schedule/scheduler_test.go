package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-hardening/internal/application/scans"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeStarter struct {
	mu    sync.Mutex
	cmds  []scans.StartCommand
	block chan struct{}
}

func (f *fakeStarter) Start(_ context.Context, cmd scans.StartCommand) (scans.Summary, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return scans.Summary{ScanRequestID: "run", Dispatched: 3}, nil
}

func TestNextRun(t *testing.T) {
	s := New(&fakeStarter{}, 2, 30, 10, "scheduler", nil, zerolog.Nop())
	loc := time.UTC

	before := time.Date(2024, 3, 10, 1, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 10, 2, 30, 0, 0, loc), s.NextRun(before))

	exact := time.Date(2024, 3, 10, 2, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 11, 2, 30, 0, 0, loc), s.NextRun(exact))

	after := time.Date(2024, 12, 31, 23, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2025, 1, 1, 2, 30, 0, 0, loc), s.NextRun(after))
}

func TestTriggerRecordsLastRun(t *testing.T) {
	st := &fakeStarter{}
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	s := New(st, 2, 0, 25, "scheduler", fixedClock{now}, zerolog.Nop())

	sum, err := s.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Dispatched)

	require.Len(t, st.cmds, 1)
	assert.True(t, st.cmds[0].All)
	assert.Equal(t, 25, st.cmds[0].BatchSize)
	assert.Equal(t, "scheduler", st.cmds[0].RequestedBy)

	status := s.Status()
	assert.Equal(t, "02:00", status.At)
	assert.Equal(t, time.Date(2024, 3, 11, 2, 0, 0, 0, time.UTC), status.NextRun)
	require.NotNil(t, status.LastRun)
	assert.True(t, status.LastRun.Manual)
	assert.Equal(t, 3, status.LastRun.Summary.Dispatched)
}

func TestTriggerRejectsOverlap(t *testing.T) {
	st := &fakeStarter{block: make(chan struct{})}
	s := New(st, 2, 0, 10, "", nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Trigger(context.Background())
	}()
	require.Eventually(t, func() bool { return s.Status().Running }, time.Second, 5*time.Millisecond)

	_, err := s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(st.block)
	<-done
	assert.False(t, s.Status().Running)
}

func TestRunStopsWithContext(t *testing.T) {
	s := New(&fakeStarter{}, 2, 0, 10, "", nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
