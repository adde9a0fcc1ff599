package trader

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/models"
	"spread-trade-bot-go/internal/store"
)

func newTestAPI(t *testing.T) (*APIServer, *Engine) {
	t.Helper()
	e := NewEngine(zap.NewNop(), engineConfig(), new(MockExchange), &memoryStore{}, nil)
	e.Allocator().Restore(store.Snapshot{Sessions: []models.SessionState{
		{ID: "s1", ProfileID: "default", Symbol: "NMR-BTC", State: "Selling", Held: d("10"), BoughtPrice: d("10000")},
	}})
	e.Hub().PublishBalance(market.Balance{Currency: "BTC", Available: d("2")})
	return NewAPIServer(e, 0, zap.NewNop()), e
}

func TestAPIServer_Endpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()

	t.Run("Health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Status", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()

		var status map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		assert.EqualValues(t, 1, status["sessions"])
		assert.NotEmpty(t, status["uuid"])
	})

	t.Run("Sessions", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/sessions")
		require.NoError(t, err)
		defer resp.Body.Close()

		var sessions []Context
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
		require.Len(t, sessions, 1)
		assert.Equal(t, "s1", sessions[0].SessionID)
		assert.Equal(t, Selling, sessions[0].State)
		assert.True(t, sessions[0].Held.Equal(d("10")))
	})

	t.Run("SessionByID", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/sessions/s1")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Get(srv.URL + "/api/sessions/missing")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Balances", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/balances")
		require.NoError(t, err)
		defer resp.Body.Close()

		var balances []market.Balance
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&balances))
		require.Len(t, balances, 1)
		assert.Equal(t, "BTC", balances[0].Currency)
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
