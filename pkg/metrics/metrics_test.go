package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.IncCounter(EventRpcRetry, map[string]string{"network": "polygon"})
	rec.IncCounter(EventRpcRetry, map[string]string{"network": "polygon"})
	rec.ObserveLatency("presign", 20*time.Millisecond, map[string]string{"network": "pendulum"})

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.counters.With(prometheus.Labels{"type": EventRpcRetry, "network": "polygon"})))

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err, "registering twice on one registry must fail")
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, NoopRecorder{}, OrNoop(nil))
}
