package bot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"market-forecast-service/internal/market"
)

// artifact is the JSON model file persisted per (bot, symbol, timeframe).
type artifact struct {
	Bot       string             `json:"bot"`
	Symbol    string             `json:"symbol"`
	Timeframe market.Timeframe   `json:"timeframe"`
	Params    map[string]float64 `json:"params"`
	TrainedAt time.Time          `json:"trained_at"`
	MAPE      float64            `json:"mape"`
}

func artifactPath(root, botName, symbol string, tf market.Timeframe) string {
	return filepath.Join(root, botName, fmt.Sprintf("%s_%s.json", symbol, tf))
}

func saveArtifact(root, botName, symbol string, tf market.Timeframe, params map[string]float64, mape float64) (string, error) {
	path := artifactPath(root, botName, symbol, tf)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}

	a := artifact{
		Bot:       botName,
		Symbol:    symbol,
		Timeframe: tf,
		Params:    params,
		TrainedAt: time.Now().UTC(),
		MAPE:      mape,
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write model artifact: %w", err)
	}
	return path, nil
}

// loadParams returns the trained parameters for a series, or nil when
// the bot has never been trained for it.
func loadParams(root, botName, symbol string, tf market.Timeframe) map[string]float64 {
	data, err := os.ReadFile(artifactPath(root, botName, symbol, tf))
	if err != nil {
		return nil
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil
	}
	return a.Params
}
