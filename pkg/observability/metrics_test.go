package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsClient(t *testing.T) {
	registry := prometheus.NewRegistry()
	client := NewPrometheusMetricsClient("collab", registry)

	client.IncrementCounter("transport.connects", 1)
	client.IncrementCounter("transport.connects", 2)
	client.IncrementCounterWithLabels("conflicts-resolved", 1, map[string]string{"strategy": "last-write-wins"})
	client.IncrementCounterWithLabels("conflicts-resolved", 1, map[string]string{"strategy": "auto-merge"})
	client.RecordGauge("presence participants", 4, map[string]string{"session_id": "sess-1"})
	client.RecordTimer("change_ack_latency", 150*time.Millisecond, nil)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["collab_transport_connects"], "dots sanitized to underscores")
	assert.True(t, names["collab_conflicts_resolved"], "dashes sanitized to underscores")
	assert.True(t, names["collab_presence_participants"], "spaces sanitized to underscores")
	assert.True(t, names["collab_change_ack_latency"])

	require.NoError(t, client.Close())
}

func TestNoopClientsAreSafe(t *testing.T) {
	metrics := NewNoopMetricsClient()
	metrics.IncrementCounter("anything", 1)
	metrics.RecordGauge("anything", 1, nil)
	metrics.RecordTimer("anything", time.Second, nil)
	require.NoError(t, metrics.Close())

	logger := NewNoopLogger()
	logger.Info("ignored", map[string]interface{}{"k": "v"})
	assert.NotNil(t, logger.WithPrefix("sub"))
}
