package api

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/market"
	"market-forecast-service/internal/predict"
	"market-forecast-service/internal/window"

	"github.com/gin-gonic/gin"
)

func parseTimeframe(c *gin.Context, raw string) (market.Timeframe, bool) {
	tf, err := market.ParseTimeframe(raw)
	if err != nil {
		respondError(c, errs.Wrap(errs.KindValidationFailed, "timeframe", err))
		return "", false
	}
	return tf, true
}

// handleGetWindow serves GET /api/candles.
func (s *Server) handleGetWindow(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		respondError(c, errs.New(errs.KindValidationFailed, "symbol is required"))
		return
	}
	tf, ok := parseTimeframe(c, c.DefaultQuery("timeframe", string(market.Timeframe5m)))
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "300"))
	if limit < 1 {
		limit = 300
	}

	to := time.Now().UTC()
	if raw := c.Query("to_ts"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(c, errs.New(errs.KindValidationFailed, "to_ts must be a unix timestamp"))
			return
		}
		to = time.Unix(sec, 0).UTC()
	}

	from := to.Add(-time.Duration(limit) * tf.Duration())
	if raw := c.Query("from_ts"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(c, errs.New(errs.KindValidationFailed, "from_ts must be a unix timestamp"))
			return
		}
		from = time.Unix(sec, 0).UTC()
	}
	if !from.Before(to) {
		respondError(c, errs.New(errs.KindValidationFailed, "from_ts must precede to_ts"))
		return
	}

	bypass := c.Query("bypass_cache") == "true"

	candles, err := s.deps.Loader.Load(c.Request.Context(), window.Request{
		Symbol:      symbol,
		Timeframe:   tf,
		From:        from,
		To:          to,
		BypassCache: bypass,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"timeframe": tf,
		"count":     len(candles),
		"candles":   candles,
	})
}

// handleGetLatestCandle serves GET /api/candles/latest.
func (s *Server) handleGetLatestCandle(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		respondError(c, errs.New(errs.KindValidationFailed, "symbol is required"))
		return
	}
	tf, ok := parseTimeframe(c, c.DefaultQuery("timeframe", string(market.Timeframe5m)))
	if !ok {
		return
	}

	candle, err := s.deps.Loader.FetchLatest(c.Request.Context(), symbol, tf)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candle": candle})
}

type predictRequest struct {
	Symbol         string   `json:"symbol" binding:"required"`
	Timeframe      string   `json:"timeframe" binding:"required"`
	HorizonMinutes int      `json:"horizon_minutes" binding:"required"`
	Bots           []string `json:"bots"`
	UseCache       *bool    `json:"use_cache"`
}

// handleTriggerPrediction serves POST /api/predict.
func (s *Server) handleTriggerPrediction(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errs.Wrap(errs.KindValidationFailed, "invalid request body", err))
		return
	}
	tf, ok := parseTimeframe(c, req.Timeframe)
	if !ok {
		return
	}

	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	pred, err := s.deps.Predictor.Predict(c.Request.Context(), predict.Request{
		Symbol:         req.Symbol,
		Timeframe:      tf,
		HorizonMinutes: req.HorizonMinutes,
		SelectedBots:   req.Bots,
		UseCache:       useCache,
	})
	if err != nil {
		// The no-survivor outcome still carries a persisted audit record;
		// return it alongside the envelope.
		if pred != nil && errs.IsKind(err, errs.KindNoValidPrediction) {
			c.JSON(statusFor(errs.KindNoValidPrediction), gin.H{
				"error":      string(errs.KindNoValidPrediction),
				"message":    err.Error(),
				"detail":     errs.DetailOf(err),
				"prediction": pred,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prediction": pred})
}

// handleGetLatestPrediction serves GET /api/predictions/latest. A series
// with no predictions yet returns an empty body, not an error.
func (s *Server) handleGetLatestPrediction(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		respondError(c, errs.New(errs.KindValidationFailed, "symbol is required"))
		return
	}
	tf, ok := parseTimeframe(c, c.DefaultQuery("timeframe", string(market.Timeframe5m)))
	if !ok {
		return
	}

	record, err := s.deps.Store.GetLatestPrediction(c.Request.Context(), symbol, tf)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prediction": record})
}

// handleModelsReport serves GET /api/models/report.
func (s *Server) handleModelsReport(c *gin.Context) {
	report, err := s.deps.Health.Report(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(report),
		"models": report,
	})
}

// handleClearModel serves DELETE /api/models. Archives the model rows
// and removes their artifact files from disk.
func (s *Server) handleClearModel(c *gin.Context) {
	botName := c.Query("bot")
	symbol := c.Query("symbol")
	if botName == "" || symbol == "" {
		respondError(c, errs.New(errs.KindValidationFailed, "bot and symbol are required"))
		return
	}
	tf, ok := parseTimeframe(c, c.DefaultQuery("timeframe", string(market.Timeframe5m)))
	if !ok {
		return
	}

	artifacts, err := s.deps.Store.DeleteModel(c.Request.Context(), botName, symbol, tf)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(artifacts) == 0 {
		respondError(c, errs.Newf(errs.KindNotFound, "no model found for %s %s %s", botName, symbol, tf))
		return
	}

	deleted := 0
	for _, path := range artifacts {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err == nil {
			deleted++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"removed":           len(artifacts),
		"artifacts_deleted": deleted,
	})
}

// handleClearCache serves POST /api/cache/clear.
func (s *Server) handleClearCache(c *gin.Context) {
	if s.deps.WarmCache != nil {
		s.deps.WarmCache.Clear()
	}
	if s.deps.HotCache != nil {
		if err := s.deps.HotCache.ClearAll(c.Request.Context()); err != nil {
			respondError(c, errs.Wrap(errs.KindInternal, "clear hot cache", err))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// handleHealth serves GET /api/health.
func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	dbStatus := "up"
	code := http.StatusOK

	if s.deps.Store != nil {
		if err := s.deps.Store.HealthCheck(c.Request.Context()); err != nil {
			status = "degraded"
			dbStatus = "down"
			code = http.StatusServiceUnavailable
		}
	}

	body := gin.H{
		"status":   status,
		"database": dbStatus,
		"time":     time.Now().UTC(),
	}
	if s.deps.Hub != nil {
		body["ws_clients"] = s.deps.Hub.ClientCount()
	}
	c.JSON(code, body)
}
