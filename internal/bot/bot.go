// Package bot defines the forecasting bot contract and the built-in
// bots. Each bot turns a candle window into a per-step forecast series
// with a self-assessed confidence, and can retrain its parameter vector
// against a window.
package bot

import (
	"context"
	"sort"
	"sync"

	"market-forecast-service/internal/database"
	"market-forecast-service/internal/errs"
	"market-forecast-service/internal/market"
)

// ProgressFunc receives per-epoch training progress. May be nil.
type ProgressFunc func(epoch, totalEpochs int, loss float64)

// Bot is one forecasting strategy.
type Bot interface {
	Name() string

	// MinCandles is the smallest window the bot can work with.
	MinCandles() int

	// Predict forecasts the next steps closes from the window. The
	// returned confidence is the bot's own estimate in [0, 1].
	Predict(ctx context.Context, window market.Slice, steps int) ([]database.ForecastPoint, float64, error)

	// Train refits the bot's parameters on the window and persists an
	// artifact. Cancellation is honored at epoch boundaries.
	Train(ctx context.Context, window market.Slice, hp database.Hyperparams, progress ProgressFunc) (*database.TrainingMetrics, string, error)
}

// Registry holds the bots available to the orchestrator and trainer.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]Bot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bots: make(map[string]Bot)}
}

// Register adds a bot. Later registrations with the same name win.
func (r *Registry) Register(b Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[b.Name()] = b
}

// Get returns the named bot.
func (r *Registry) Get(name string) (Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[name]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "unknown bot %q", name)
	}
	return b, nil
}

// Names returns the registered bot names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bots))
	for name := range r.bots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default builds the registry with all built-in bots.
func Default(modelRoot string) *Registry {
	r := NewRegistry()
	r.Register(NewMomentum(modelRoot))
	r.Register(NewMeanReversion(modelRoot))
	r.Register(NewTrendFollow(modelRoot))
	return r
}
