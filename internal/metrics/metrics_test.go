package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ScansDispatched.Add(3)
	m.Responses.WithLabelValues("saved").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ScansDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Responses.WithLabelValues("saved")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["automaton_scans_dispatched_total"])
	assert.True(t, names["automaton_scan_responses_total"])
}

func TestDiscardDoesNotPanicOnReuse(t *testing.T) {
	a, b := Discard(), Discard()
	a.ScansSkipped.Inc()
	b.ScansSkipped.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ScansSkipped))
}
