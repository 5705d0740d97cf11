package pipesock

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Unregistered(t *testing.T) {
	m := NewMetrics(nil, "")

	m.MessagesReceived.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived))
}

func TestNewMetrics_SharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	server := NewMetrics(registry, "server")
	client := NewMetrics(registry, "client")

	server.ProtocolErrors.Inc()
	client.Flushes.Add(2)

	expected := `
# HELP pipesock_protocol_errors_total Connections dropped for an oversized frame.
# TYPE pipesock_protocol_errors_total counter
pipesock_protocol_errors_total{role="client"} 0
pipesock_protocol_errors_total{role="server"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"pipesock_protocol_errors_total"))
	assert.Equal(t, 2.0, testutil.ToFloat64(client.Flushes))
}

func TestNewMetrics_DuplicateRolePanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry, "server")

	assert.Panics(t, func() { NewMetrics(registry, "server") })
}
