package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"paper-trading-core/internal/engine"
	"paper-trading-core/internal/ledger"
	"paper-trading-core/internal/market"
	"paper-trading-core/pkg/config"
	"paper-trading-core/pkg/db"
)

type manualTradeRequest struct {
	AccountID string           `json:"account_id"`
	Symbol    string           `json:"symbol" binding:"required,min=1"`
	Side      string           `json:"side" binding:"required,oneof=BUY SELL SHORT CLOSE"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price"`
}

type listQuery struct {
	Account string `form:"account"`
	Limit   int    `form:"limit"`
}

func (q *listQuery) normalize(def, max int) {
	if q.Limit <= 0 {
		q.Limit = def
	}
	if q.Limit > max {
		q.Limit = max
	}
}

type balanceResponse struct {
	ledger.Balance
	Equity  decimal.Decimal `json:"equity"`
	WinRate float64         `json:"win_rate"`
}

type signalView struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Class      string    `json:"class"`
	Score      int       `json:"score"`
	Confidence float64   `json:"confidence"`
	RiskLevel  string    `json:"risk_level"`
	Price      float64   `json:"price"`
	Sentiment  int       `json:"sentiment"`
	Reasons    []string  `json:"reasons"`
	CreatedAt  time.Time `json:"created_at"`
}

func toSignalView(r db.SignalRecord) signalView {
	v := signalView{
		ID:         r.ID,
		Symbol:     r.Symbol,
		Class:      r.Class,
		Score:      r.Score,
		Confidence: r.Confidence,
		RiskLevel:  r.RiskLevel,
		Price:      r.Price,
		Sentiment:  r.Sentiment,
		Reasons:    []string{},
		CreatedAt:  r.CreatedAt,
	}
	if r.Reasons != "" {
		_ = json.Unmarshal([]byte(r.Reasons), &v.Reasons)
	}
	return v
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}

// respondEngineError maps domain errors onto HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	status, code := statusFor(err)
	var cerr *config.ConfigurationError
	if errors.As(err, &cerr) {
		c.JSON(status, gin.H{"error": code, "message": err.Error(), "violations": cerr.Violations})
		return
	}
	respondError(c, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	var cerr *config.ConfigurationError
	switch {
	case errors.As(err, &cerr):
		return http.StatusBadRequest, "INVALID_SETTINGS"
	case errors.Is(err, ledger.ErrInvalidOrder):
		return http.StatusUnprocessableEntity, "INVALID_ORDER"
	case ledger.IsRejection(err):
		return http.StatusUnprocessableEntity, "ORDER_REJECTED"
	case errors.Is(err, market.ErrDataUnavailable):
		return http.StatusServiceUnavailable, "DATA_UNAVAILABLE"
	case errors.Is(err, ledger.ErrPersistence):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	case errors.Is(err, ledger.ErrInconsistentState):
		return http.StatusInternalServerError, "INCONSISTENT_STATE"
	case errors.Is(err, engine.ErrAlreadyRunning):
		return http.StatusConflict, "ALREADY_RUNNING"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// getStatus returns loop state, the activity log and deployment metadata.
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"loop":          s.Engine.Status(),
		"version":       s.Meta.Version,
		"symbols":       s.Meta.Symbols,
		"timeframe":     s.Meta.Timeframe,
		"use_mock_feed": s.Meta.UseMockFeed,
		"storage":       s.Meta.Storage,
		"server_time":   time.Now().UTC(),
	})
}

func (s *Server) startLoop(c *gin.Context) {
	if err := s.Engine.Start(c.Request.Context()); err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) stopLoop(c *gin.Context) {
	s.Engine.Stop()
	c.JSON(http.StatusOK, s.Engine.Status())
}

// refreshLoop queues an immediate cycle.
func (s *Server) refreshLoop(c *gin.Context) {
	if !s.Engine.Refresh() {
		if !s.Engine.Status().Running {
			respondError(c, http.StatusConflict, "NOT_RUNNING", engine.ErrNotRunning.Error())
			return
		}
		respondError(c, http.StatusConflict, "CYCLE_PENDING", "a cycle is already running or queued")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Settings())
}

func (s *Server) updateSettings(c *gin.Context) {
	var req config.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	next, err := s.Engine.UpdateSettings(req)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

func (s *Server) getBalance(c *gin.Context) {
	bal, err := s.Engine.Balance(c.Request.Context(), c.Query("account"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Balance: bal, Equity: bal.Equity(), WinRate: bal.WinRate()})
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.Positions(c.Request.Context(), c.Query("account"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) getTrades(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid query parameters")
		return
	}
	q.normalize(50, 500)

	trades, err := s.Engine.Trades(c.Request.Context(), q.Account, q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	if trades == nil {
		trades = []ledger.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// createManualTrade places an operator trade on the paper ledger.
func (s *Server) createManualTrade(c *gin.Context) {
	var req manualTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	side := strings.ToUpper(req.Side)
	if side != "CLOSE" && !req.Quantity.IsPositive() {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "quantity must be > 0")
		return
	}
	if req.Price != nil && !req.Price.IsPositive() {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "price must be > 0")
		return
	}

	trade, err := s.Engine.ManualTrade(c.Request.Context(), engine.ManualOrder{
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      side,
		Quantity:  req.Quantity,
		Price:     req.Price,
	})
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trade)
}

func (s *Server) getSignals(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid query parameters")
		return
	}
	q.normalize(20, 200)

	records, err := s.Engine.Signals(c.Request.Context(), c.Param("symbol"), q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	out := make([]signalView, 0, len(records))
	for _, r := range records {
		out = append(out, toSignalView(r))
	}
	c.JSON(http.StatusOK, gin.H{"symbol": market.NormalizeSymbol(c.Param("symbol")), "signals": out})
}

// analyzeSymbol runs a one-off signal without trading.
func (s *Server) analyzeSymbol(c *gin.Context) {
	sig, err := s.Engine.Analyze(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (s *Server) getMetrics(c *gin.Context) {
	resp := gin.H{"engine": s.Engine.Metrics()}
	if s.Extras != nil {
		for k, v := range s.Extras() {
			resp[k] = v
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getAccounts(c *gin.Context) {
	ids, err := s.Engine.Accounts(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": ids})
}
