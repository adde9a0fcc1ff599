package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"spread-trade-bot-go/internal/config"
)

const testSecret = "test_secret_key"

// setupTestServer creates a new test server and a RestClient configured to use it.
func setupTestServer(handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	client := resty.New().SetBaseURL(server.URL)
	logger := zap.NewNop() // Use a no-op logger for tests

	rc := &RestClient{
		client:    client,
		apiKey:    "test_api_key",
		secretKey: testSecret,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
	}

	return rc, server
}

// assertSigned checks that payload ends with a valid signature over everything before it.
func assertSigned(t *testing.T, payload string) {
	t.Helper()
	idx := strings.LastIndex(payload, "&signature=")
	if !assert.Positive(t, idx, "payload %q is not signed", payload) {
		return
	}

	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte(payload[:idx]))
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), payload[idx+len("&signature="):])
	assert.Contains(t, payload[:idx], "timestamp=")
}

func TestGetServerTime(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		// Arrange
		expectedTime := time.Now().UnixMilli()
		mockResponse := fmt.Sprintf(`{"serverTime": %d}`, expectedTime)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/time", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(mockResponse))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		// Act
		serverTime, err := rc.GetServerTime(context.Background())

		// Assert
		assert.NoError(t, err)
		assert.Equal(t, expectedTime, serverTime)
	})

	t.Run("APIError", func(t *testing.T) {
		// Arrange
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/time", r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code": -1100, "msg": "Illegal characters found in parameter"}`))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		// Act
		serverTime, err := rc.GetServerTime(context.Background())

		// Assert
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get server time")
		apiErr, ok := asAPIError(err)
		require.True(t, ok)
		assert.Equal(t, -1100, apiErr.Code)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		assert.Equal(t, int64(0), serverTime)
	})

	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"serverTime": 42}`))
		})

		rc, server := setupTestServer(handler)
		defer server.Close()

		serverTime, err := rc.GetServerTime(context.Background())

		require.NoError(t, err)
		assert.Equal(t, int64(42), serverTime)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestCreateOrder_NotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	_, err := rc.CreateOrder(context.Background(), "NMRBTC", OrderSideBuy, decimal.NewFromInt(1), decimal.NewFromInt(1))

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateOrder_SignedLimitOrder(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, "test_api_key", r.Header.Get("X-MBX-APIKEY"))

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		body := string(raw)
		assertSigned(t, body)
		assert.Contains(t, body, "symbol=NMRBTC")
		assert.Contains(t, body, "side=BUY")
		assert.Contains(t, body, "type=LIMIT")
		assert.Contains(t, body, "timeInForce=GTC")
		assert.Contains(t, body, "quantity=12.5")
		assert.Contains(t, body, "price=0.000201")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"NMRBTC","orderId":77,"status":"NEW","side":"BUY","price":"0.000201",
			"origQty":"12.5","executedQty":"0","cummulativeQuoteQty":"0","transactTime":1700000000000}`))
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	resp, err := rc.CreateOrder(context.Background(), "NMRBTC", OrderSideBuy, decimal.RequireFromString("12.5"),
		decimal.RequireFromString("0.000201"))

	require.NoError(t, err)
	assert.Equal(t, int64(77), resp.OrderID)
	assert.Equal(t, "NEW", resp.Status)
	assert.True(t, resp.Price.Equal(decimal.RequireFromString("0.000201")))
}

func TestGetAccount_SignedQuery(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/account", r.URL.Path)
		assertSigned(t, r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"balances":[{"asset":"BTC","free":"1.5","locked":"0.1"}]}`))
	})

	rc, server := setupTestServer(handler)
	defer server.Close()

	account, err := rc.GetAccount(context.Background())

	require.NoError(t, err)
	require.Len(t, account.Balances, 1)
	assert.True(t, account.Balances[0].Free.Equal(decimal.RequireFromString("1.5")))
}

func TestNewRestClient(t *testing.T) {
	t.Run("Testnet", func(t *testing.T) {
		cfg := config.Exchange{Testnet: true, ApiKey: "key", SecretKey: "secret", RateLimit: 10, RateLimitBurst: 2}
		logger := zap.NewNop()
		rc := NewRestClient(cfg, logger)
		assert.NotNil(t, rc)
		assert.Equal(t, testnetBaseURL, rc.client.BaseURL)
		assert.Equal(t, cfg.ApiKey, rc.apiKey)
		assert.Equal(t, cfg.SecretKey, rc.secretKey)
		assert.Equal(t, 2, rc.limiter.Burst())
	})

	t.Run("Production", func(t *testing.T) {
		cfg := config.Exchange{Testnet: false}
		logger := zap.NewNop()
		rc := NewRestClient(cfg, logger)
		assert.NotNil(t, rc)
		assert.Equal(t, baseURL, rc.client.BaseURL)
		assert.Equal(t, cfg.ApiKey, rc.apiKey)
		assert.Equal(t, cfg.SecretKey, rc.secretKey)
	})
}
