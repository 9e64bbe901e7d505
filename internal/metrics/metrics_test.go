package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/matching"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserverCounters(t *testing.T) {
	m := New()

	m.QueueDepth("BTCUSDT", 3)
	m.Matched("BTCUSDT", matching.EventPlace, 2, time.Millisecond)
	m.Matched("BTCUSDT", matching.EventCancel, 0, time.Millisecond)
	m.Settled("BTCUSDT", time.Millisecond, nil)
	m.Settled("BTCUSDT", time.Millisecond, fmt.Errorf("%w: disk", domain.ErrPersistenceFailure))
	m.PublishRejected("BTCUSDT", "full")

	body := scrape(t, m)
	for _, want := range []string{
		`cexcore_lane_queue_depth{symbol="BTCUSDT"} 3`,
		`cexcore_trades_total{symbol="BTCUSDT"} 2`,
		`cexcore_lane_events_total{kind="cancel",symbol="BTCUSDT"} 1`,
		`cexcore_settlement_degraded_total{symbol="BTCUSDT"} 1`,
		`cexcore_lane_publish_rejected_total{reason="full",symbol="BTCUSDT"} 1`,
		`cexcore_lane_settle_duration_seconds_count{symbol="BTCUSDT"} 2`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestHTTPMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodGet, "/api/health", http.StatusOK, time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `cexcore_http_requests_total{method="GET",route="/api/health",status="200"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
