package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := Default().WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// PredictionLogger creates a logger scoped to one prediction request.
func PredictionLogger(symbol, timeframe string, horizonMinutes int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"horizon":   horizonMinutes,
	}).WithComponent("predict")
}

// TrainingLogger creates a logger scoped to one training job.
func TrainingLogger(trainingID, bot, symbol, timeframe string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"training_id": trainingID,
		"bot":         bot,
		"symbol":      symbol,
		"timeframe":   timeframe,
	}).WithComponent("training")
}

// WindowLogger creates a logger scoped to window loading for one series.
func WindowLogger(symbol, timeframe string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
	}).WithComponent("window")
}
