package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCacheMetrics(t *testing.T) {
	t.Run("PoolingWorkspaceBytes", func(t *testing.T) {
		PoolingWorkspaceBytes.Set(4096)
		assert.Equal(t, float64(4096), testutil.ToFloat64(PoolingWorkspaceBytes))
	})

	t.Run("FusionPlanLookups", func(t *testing.T) {
		c := FusionPlanLookups.WithLabelValues("test", "hit")
		before := testutil.ToFloat64(c)
		c.Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(c))
	})

	t.Run("ConvAlgorithmsReturned", func(t *testing.T) {
		assert.NotPanics(t, func() {
			ConvAlgorithmsReturned.WithLabelValues("find", "FORWARD").Observe(1)
		})
	})

	t.Run("AutotuneElapsedMs", func(t *testing.T) {
		AutotuneElapsedMs.WithLabelValues("cfg").Set(1.5)
		assert.Equal(t, 1.5, testutil.ToFloat64(AutotuneElapsedMs.WithLabelValues("cfg")))
	})
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		FusionPlanLookups,
		FusionPlanCompiles,
		PoolingWorkspaceBytes,
		PoolingWorkspaceEntries,
		PoolingWorkspaceEvictions,
		PoolingWorkspaceLookups,
		ConvAlgorithmsReturned,
		ProviderErrors,
		HandleWaitSeconds,
		AutotuneElapsedMs,
	}

	for _, c := range collectors {
		err := prometheus.Register(c)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already)
	}
}

func TestMiddleware(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "/metrics")

	c := EndpointResponses.WithLabelValues("/metrics", "418")
	before := testutil.ToFloat64(c)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("ObserveHandleWait", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			HandleWaitSeconds.Observe(float64(i%1000) * 1e-6)
		}
	})

	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			PoolingWorkspaceLookups.WithLabelValues("hit").Inc()
		}
	})
}

func TestNewServeMux(t *testing.T) {
	PoolingWorkspaceEntries.Set(3)
	srv := httptest.NewServer(NewServeMux("/metrics"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if !assert.NoError(t, err) {
		return
	}
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
