package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMonitor(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMonitor(reg)

	m.CacheHit("main")
	m.CacheHit("main")
	m.CacheMiss("lora")
	m.CacheEviction()
	m.SetCacheBytes(1 << 20)
	m.Conversion(ResultSuccess)
	m.Conversion(ResultFailure)
	m.ObserveScan(2*time.Second, ResultSuccess)
	m.SetRegisteredModels(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses.WithLabelValues("lora")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvictions))
	assert.Equal(t, float64(1<<20), testutil.ToFloat64(m.cacheBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conversions.WithLabelValues(ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.registeredModel))
	assert.Equal(t, 1, testutil.CollectAndCount(m.scanDuration))

	m.UnregisterAllCollectors()
	// Registering again succeeds once the previous collectors are gone.
	m2 := NewMonitor(reg)
	m2.UnregisterAllCollectors()
}

func TestNoop(t *testing.T) {
	var r Recorder = Noop{}
	r.CacheHit("main")
	r.ObserveScan(time.Second, ResultFailure)
}
