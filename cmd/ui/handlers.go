package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"spread-trade-bot-go/internal/market"
	"spread-trade-bot-go/internal/models"
)

const defaultTradeLimit = 500

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log *zap.Logger
	db  *gorm.DB
	now func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db, now: time.Now}
}

// StatusHandler reports whether the journal database is reachable.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		h.log.Error("Database ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TradesHandler returns historical trades, most recent first. Optional filters: session, symbol, limit.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	query := h.db.WithContext(r.Context()).Order("timestamp desc").Limit(limit)
	if session := r.URL.Query().Get("session"); session != "" {
		query = query.Where("session_id = ?", session)
	}
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}

	var trades []models.Trade
	if err := query.Find(&trades).Error; err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	WinRate          float64         `json:"win_rate"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
}

func (s *StatsDetail) add(profit decimal.Decimal) {
	s.TotalTrades++
	if profit.IsPositive() {
		s.ProfitableTrades++
	}
	s.TotalProfit = s.TotalProfit.Add(profit)
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler calculates trading statistics over completed sells, which carry the realized profit.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	var sells []models.Trade
	if err := h.db.WithContext(r.Context()).Where("type = ?", string(market.Sell)).Find(&sells).Error; err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, computeStatistics(sells, h.now()))
}

func computeStatistics(sells []models.Trade, now time.Time) StatisticsResponse {
	since24h := now.Add(-24 * time.Hour).UnixMilli()

	var resp StatisticsResponse
	for _, trade := range sells {
		resp.AllTime.add(trade.Profit)
		if trade.Timestamp >= since24h {
			resp.Since24h.add(trade.Profit)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
