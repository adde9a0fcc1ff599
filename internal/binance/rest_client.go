package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"spread-trade-bot-go/internal/config"
)

const (
	baseURL        = "https://api.binance.com/api/v3"
	testnetBaseURL = "https://testnet.binance.vision/api/v3"
	recvWindow     = "5000" // How long a request is valid in milliseconds
	OrderTypeLimit = "LIMIT"
	OrderSideBuy   = "BUY"
	OrderSideSell  = "SELL"
	TimeInForceGTC = "GTC"
)

// RestClientInterface defines the interface for the Binance REST API client.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error)
	Get24hrTickers(ctx context.Context) ([]Ticker24hr, error)
	GetBookTickers(ctx context.Context) ([]BookTicker, error)
	GetAccount(ctx context.Context) (*AccountResponse, error)
	CreateOrder(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (*OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)
	GetAllOrders(ctx context.Context, symbol string) ([]OrderResponse, error)
}

// RestClient is a client for the Binance REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// APIError is a rejected request. Code is Binance's error code, when the body carried one.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error (status %d, code %d): %s", e.Status, e.Code, e.Msg)
}

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg config.Exchange, logger *zap.Logger) *RestClient {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		url = baseURL
		logger.Info("Using Binance Production API")
	}

	client := resty.New().
		SetBaseURL(url).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedQuery adds the timestamp and appends the signature as the last parameter.
func (c *RestClient) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	return query + "&signature=" + c.sign(query)
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetContext(ctx).
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// Throttling responses are always retried; server and network failures only for GET, since a
// repeated order placement could open a second order.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = method == http.MethodGet
			}
		} else { // Network or other client-side errors
			shouldRetry = method == http.MethodGet
		}

		if !shouldRetry || i == maxRetries-1 {
			break
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return nil, parseAPIError(resp)
}

func parseAPIError(resp *resty.Response) error {
	apiErr := &APIError{Status: resp.StatusCode()}
	if jsonErr := json.Unmarshal(resp.Body(), apiErr); jsonErr != nil || apiErr.Msg == "" {
		apiErr.Msg = resp.String()
	}
	return fmt.Errorf("request failed with status %s: %w", resp.Status(), apiErr)
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol     string   `json:"symbol"`
	Status     string   `json:"status"`
	BaseAsset  string   `json:"baseAsset"`
	QuoteAsset string   `json:"quoteAsset"`
	Filters    []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
// PRICE_FILTER carries tickSize and LOT_SIZE carries stepSize.
type Filter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize,omitempty"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// GetExchangeInfo fetches exchange trading rules and symbol information.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error) {
	req := c.client.R().
		SetContext(ctx).
		SetResult(&ExchangeInfoResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/exchangeInfo", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}
	return resp.Result().(*ExchangeInfoResponse), nil
}

// Ticker24hr is one entry of the /ticker/24hr response.
type Ticker24hr struct {
	Symbol             string          `json:"symbol"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	BidPrice           decimal.Decimal `json:"bidPrice"`
	AskPrice           decimal.Decimal `json:"askPrice"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
	CloseTime          int64           `json:"closeTime"`
}

// Get24hrTickers fetches the rolling 24h statistics of every symbol.
func (c *RestClient) Get24hrTickers(ctx context.Context) ([]Ticker24hr, error) {
	var tickers []Ticker24hr
	req := c.client.R().
		SetContext(ctx).
		SetResult(&tickers)

	if _, err := c.doRequest(ctx, http.MethodGet, "/ticker/24hr", req); err != nil {
		return nil, fmt.Errorf("failed to get 24h tickers: %w", err)
	}
	return tickers, nil
}

// BookTicker is one entry of the /ticker/bookTicker response.
type BookTicker struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	BidQty   decimal.Decimal `json:"bidQty"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskQty   decimal.Decimal `json:"askQty"`
}

// GetBookTickers fetches the best bid and ask of every symbol.
func (c *RestClient) GetBookTickers(ctx context.Context) ([]BookTicker, error) {
	var tickers []BookTicker
	req := c.client.R().
		SetContext(ctx).
		SetResult(&tickers)

	if _, err := c.doRequest(ctx, http.MethodGet, "/ticker/bookTicker", req); err != nil {
		return nil, fmt.Errorf("failed to get book tickers: %w", err)
	}
	return tickers, nil
}

// AccountResponse is the part of /account the adapter uses.
type AccountResponse struct {
	Balances []AccountBalance `json:"balances"`
}

// AccountBalance is the holding of one asset.
type AccountBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// GetAccount fetches the account balances.
func (c *RestClient) GetAccount(ctx context.Context) (*AccountResponse, error) {
	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signedQuery(url.Values{})).
		SetResult(&AccountResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/account", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return resp.Result().(*AccountResponse), nil
}

// OrderResponse represents an order as returned by the order endpoints.
type OrderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	TransactTime        int64           `json:"transactTime"`
	Price               decimal.Decimal `json:"price"`
	OrigQuantity        decimal.Decimal `json:"origQty"`
	ExecutedQuantity    decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	TimeInForce         string          `json:"timeInForce"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	Time                int64           `json:"time"`
	UpdateTime          int64           `json:"updateTime"`
}

// CreateOrder places a LIMIT GTC order on Binance.
func (c *RestClient) CreateOrder(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", OrderTypeLimit)
	params.Set("timeInForce", TimeInForceGTC)
	params.Set("quantity", quantity.String())
	params.Set("price", price.String())

	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedQuery(params)).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/order", req)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("side", side),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*OrderResponse)
	c.logger.Info("Successfully created order",
		zap.String("symbol", result.Symbol),
		zap.Int64("order_id", result.OrderID),
		zap.String("status", result.Status),
	)
	return result, nil
}

// CancelOrder cancels an open order.
func (c *RestClient) CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signedQuery(params)).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodDelete, "/order", req)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	return resp.Result().(*OrderResponse), nil
}

// GetOrder fetches the current state of one order.
func (c *RestClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signedQuery(params)).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/order", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return resp.Result().(*OrderResponse), nil
}

// GetAllOrders lists the recent orders of one symbol.
func (c *RestClient) GetAllOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var orders []OrderResponse
	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(c.signedQuery(params)).
		SetResult(&orders)

	if _, err := c.doRequest(ctx, http.MethodGet, "/allOrders", req); err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	return orders, nil
}

// asAPIError extracts the Binance error from err.
func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
