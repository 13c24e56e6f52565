package api

import (
	"net/http"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/market"

	"github.com/gin-gonic/gin"
)

type hyperparamsBody struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	LookbackDays int     `json:"lookback_days"`
}

func (h hyperparamsBody) toModel() database.Hyperparams {
	return database.Hyperparams{
		Epochs:       h.Epochs,
		BatchSize:    h.BatchSize,
		LearningRate: h.LearningRate,
		LookbackDays: h.LookbackDays,
	}
}

type trainRequest struct {
	Bot         string          `json:"bot" binding:"required"`
	Symbol      string          `json:"symbol" binding:"required"`
	Timeframe   string          `json:"timeframe" binding:"required"`
	Hyperparams hyperparamsBody `json:"hyperparams"`
}

// handleTrainBot serves POST /api/train.
func (s *Server) handleTrainBot(c *gin.Context) {
	var req trainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errs.Wrap(errs.KindValidationFailed, "invalid request body", err))
		return
	}
	tf, ok := parseTimeframe(c, req.Timeframe)
	if !ok {
		return
	}

	record, err := s.deps.Training.Enqueue(c.Request.Context(), req.Bot, req.Symbol, tf, req.Hyperparams.toModel())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"training_id": record.ID,
		"status":      record.Status,
	})
}

type autoTrainRequest struct {
	Symbols     []string        `json:"symbols" binding:"required"`
	Timeframes  []string        `json:"timeframes" binding:"required"`
	Bots        []string        `json:"bots"`
	Hyperparams hyperparamsBody `json:"hyperparams"`
}

// handleStartAutoTraining serves POST /api/train/auto. Duplicates in the
// cross product are counted, not treated as failures.
func (s *Server) handleStartAutoTraining(c *gin.Context) {
	var req autoTrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errs.Wrap(errs.KindValidationFailed, "invalid request body", err))
		return
	}

	timeframes := make([]market.Timeframe, 0, len(req.Timeframes))
	for _, raw := range req.Timeframes {
		tf, ok := parseTimeframe(c, raw)
		if !ok {
			return
		}
		timeframes = append(timeframes, tf)
	}

	admitted, duplicates, err := s.deps.Training.StartAuto(c.Request.Context(), req.Symbols, timeframes, req.Bots, req.Hyperparams.toModel())
	if err != nil {
		respondError(c, err)
		return
	}

	st := s.deps.Training.Status()
	c.JSON(http.StatusAccepted, gin.H{
		"admitted":   admitted,
		"duplicates": duplicates,
		"queue_size": st.QueueLength,
	})
}

type controlRequest struct {
	Action string `json:"action" binding:"required"`
}

// handleTrainingControl serves POST /api/train/control with the verbs
// pause, resume, stop and force-stop.
func (s *Server) handleTrainingControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errs.Wrap(errs.KindValidationFailed, "invalid request body", err))
		return
	}

	var st interface{}
	switch req.Action {
	case "pause":
		st = s.deps.Training.Pause()
	case "resume":
		st = s.deps.Training.Resume()
	case "stop":
		st = s.deps.Training.Stop()
	case "force-stop":
		st = s.deps.Training.ForceStop()
	default:
		respondError(c, errs.Newf(errs.KindValidationFailed, "unknown action %q", req.Action))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"action": req.Action,
		"status": st,
	})
}

// handleTrainingStatus serves GET /api/train/status.
func (s *Server) handleTrainingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Training.Status())
}
