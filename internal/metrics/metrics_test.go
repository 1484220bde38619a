package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feellmoose/allocbench/internal/alloc"
	"github.com/feellmoose/allocbench/internal/transport"
)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.Reclaimed("pooled-reference", 100, alloc.OriginExplicit)
	p.Reclaimed("pooled-reference", 50, alloc.OriginCollected)
	p.Reclaimed("pooled-reference", 50, alloc.OriginCollected)
	p.ReclaimFailed("pooled-reference", errors.New("arena closed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.blocks.WithLabelValues("pooled-reference", "explicit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.blocks.WithLabelValues("pooled-reference", "collected")))
	assert.Equal(t, 100.0, testutil.ToFloat64(p.bytes.WithLabelValues("pooled-reference", "collected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.failures.WithLabelValues("pooled-reference")))

	_, err = NewPrometheus(reg)
	assert.Error(t, err, "double registration")
}

func TestPrometheusFedByAllocator(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	a, err := alloc.New("pooled-cleaner", alloc.WithMetrics(p))
	require.NoError(t, err)
	defer a.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Allocate(64).Release())
	}
	assert.Equal(t, 10.0, testutil.ToFloat64(p.blocks.WithLabelValues("pooled-cleaner", "explicit")))
	assert.Equal(t, 640.0, testutil.ToFloat64(p.bytes.WithLabelValues("pooled-cleaner", "explicit")))
}

func TestTransportCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewTransportCollector()
	reg.MustRegister(c)

	assert.Equal(t, 0, testutil.CollectAndCount(c))

	m := transport.NewMetrics()
	m.RecordWrite(100, 0)
	m.RecordWrite(50, 0)
	m.RecordRead(10)
	m.RecordConnection(1)
	c.Observe(m)

	assert.Equal(t, 7, testutil.CollectAndCount(c))
	expected := `
# HELP allocbench_transport_bytes_sent Payload bytes sent in the current context
# TYPE allocbench_transport_bytes_sent gauge
allocbench_transport_bytes_sent 150
# HELP allocbench_transport_messages_sent Messages sent in the current context
# TYPE allocbench_transport_messages_sent gauge
allocbench_transport_messages_sent 2
# HELP allocbench_transport_active_connections Connected peers
# TYPE allocbench_transport_active_connections gauge
allocbench_transport_active_connections 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"allocbench_transport_bytes_sent",
		"allocbench_transport_messages_sent",
		"allocbench_transport_active_connections",
	))
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)
	p.Reclaimed("heap", 1, alloc.OriginExplicit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := Serve(ctx, "127.0.0.1:0", reg)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `allocbench_reclaimed_blocks_total{allocator="heap",origin="explicit"} 1`)
}
