package metricsx

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestGaugesReflectSetValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PeersKnown.Set(4)
	m.RingEntries.Set(128)
	m.PeerEvictions.Inc()

	assert.Equal(t, float64(4), testutil.ToFloat64(m.PeersKnown))
	assert.Equal(t, float64(128), testutil.ToFloat64(m.RingEntries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PeerEvictions))
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
