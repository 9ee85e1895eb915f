package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/iquestfs/internal/cache"
	"github.com/objectfs/iquestfs/internal/filesystem"
	"github.com/objectfs/iquestfs/internal/pool"
	"github.com/objectfs/iquestfs/pkg/errors"
)

var (
	_ pool.Recorder       = (*Collector)(nil)
	_ cache.Recorder      = (*Collector)(nil)
	_ filesystem.Recorder = (*Collector)(nil)
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Path: "/metrics", Namespace: "iquestfs"}, nil)
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Run("nil config enables defaults", func(t *testing.T) {
		c, err := NewCollector(nil, nil)
		require.NoError(t, err)
		assert.True(t, c.config.Enabled)
		assert.Equal(t, "iquestfs", c.config.Namespace)
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled collector has no registry", func(t *testing.T) {
		c, err := NewCollector(DefaultConfig(), nil)
		require.NoError(t, err)
		assert.Nil(t, c.Registry())

		// recording on a disabled collector is a no-op
		c.RecordOperation("getattr", time.Millisecond, nil)
		c.RecordCacheHit("positive")
		c.UpdateActiveConnections(3)
		c.RecordReconnect()
		assert.Empty(t, c.Operations())
	})
}

func TestRecordOperation(t *testing.T) {
	c := newTestCollector(t)

	c.RecordOperation("getattr", 2*time.Millisecond, nil)
	c.RecordOperation("getattr", 4*time.Millisecond, errors.NewError(errors.ErrCodeNotFound, "missing"))
	c.RecordOperation("read", time.Millisecond, nil)

	ops := c.Operations()
	require.Contains(t, ops, "getattr")
	assert.Equal(t, int64(2), ops["getattr"].Count)
	assert.Equal(t, int64(1), ops["getattr"].Errors)
	assert.Equal(t, 3*time.Millisecond, ops["getattr"].AvgDuration)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("getattr", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("getattr", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("getattr", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("read", "success")))

	c.ResetMetrics()
	assert.Empty(t, c.Operations())
}

func TestCacheAndPoolMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCacheHit("positive")
	c.RecordCacheHit("positive")
	c.RecordCacheMiss("negative")
	c.UpdateActiveConnections(4)
	c.UpdateWaiters(2)
	c.RecordReconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("positive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("negative")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.poolConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.poolWaiters))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects))

	count, err := testutil.GatherAndCount(c.Registry(), "iquestfs_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDebugOperationsHandler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordOperation("write", time.Millisecond, nil)
	c.RecordOperation("open", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	c.debugOperationsHandler(rec, httptest.NewRequest(http.MethodGet, "/debug/operations", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Operations []struct {
			Op    string `json:"op"`
			Count int64  `json:"count"`
		} `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Operations, 2)
	assert.Equal(t, "open", body.Operations[0].Op)
	assert.Equal(t, "write", body.Operations[1].Op)
	assert.Equal(t, int64(1), body.Operations[1].Count)
}

func TestHealthHandler(t *testing.T) {
	c := newTestCollector(t)
	rec := httptest.NewRecorder()
	c.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "iquestfs-metrics")
}
