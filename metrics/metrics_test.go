package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingPaths(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.UploadInitiated("chunked")
	m.UploadCompleted("chunked", true, 2*time.Second)
	m.DownloadStarted()
	m.DownloadCompleted(false, time.Second)
	m.ReconnectScheduled()
	m.ReconnectScheduled()
	m.MessageReceived("notification")

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.uploadsInitiated.WithLabelValues("chunked")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.uploadsCompleted.WithLabelValues("chunked", "true")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.downloads.WithLabelValues("false")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeTransfers))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.wsReconnects))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.wsMessages.WithLabelValues("notification")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	// Every recording path must be a no-op on the nil receiver.
	m.UploadInitiated("chunked")
	m.UploadCompleted("chunked", true, time.Second)
	m.DownloadStarted()
	m.DownloadCompleted(true, time.Second)
	m.ReconnectScheduled()
	m.MessageReceived("pong")
}
