package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/core"
	"trading_engine/internal/infrastructure/health"
	"trading_engine/internal/perf"
	"trading_engine/pkg/logging"
)

func testServer(opts Options) *Server {
	return NewServer(0, opts, logging.Nop())
}

func TestStatusEndpoint(t *testing.T) {
	resetCalled := false
	s := testServer(Options{
		Halted:     func() bool { return true },
		LiveOrders: func() int { return 3 },
		Snapshot: func() core.PortfolioSnapshot {
			return core.PortfolioSnapshot{
				Version:       7,
				Cash:          decimal.NewFromInt(5000),
				GrossExposure: decimal.NewFromInt(1200),
				RealizedPnL:   decimal.NewFromInt(-40),
			}
		},
		Metrics: func() perf.Metrics {
			return perf.Metrics{
				UnrealizedPnL: decimal.NewFromInt(15),
				Drawdown:      decimal.NewFromInt(55),
				MaxDrawdown:   decimal.NewFromInt(80),
			}
		},
		ResetHalt: func() { resetCalled = true },
	})

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Halted)
	assert.Equal(t, 3, resp.LiveOrders)
	assert.Equal(t, uint64(7), resp.LedgerVersion)
	assert.Equal(t, "1200", resp.GrossExposure)
	assert.Equal(t, "-40", resp.RealizedPnL)
	assert.Equal(t, "15", resp.UnrealizedPnL)

	assert.False(t, resetCalled)
}

func TestResetHaltRequiresPost(t *testing.T) {
	called := false
	s := testServer(Options{ResetHalt: func() { called = true }})

	rec := httptest.NewRecorder()
	s.handleResetHalt(rec, httptest.NewRequest(http.MethodGet, "/risk/reset", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.False(t, called)

	rec = httptest.NewRecorder()
	s.handleResetHalt(rec, httptest.NewRequest(http.MethodPost, "/risk/reset", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestHealthEndpoint(t *testing.T) {
	hm := health.NewManager(logging.Nop())
	hm.Register("bus", func() error { return nil })
	s := testServer(Options{Health: hm})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "Healthy", status["bus"])
}
