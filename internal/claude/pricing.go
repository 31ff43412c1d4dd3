package claude

import (
	"strings"

	"github.com/vidmind/vidmind/pkg/models"
)

// ModelCost is per-million-token pricing for one model family.
type ModelCost struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// Estimate returns the USD cost of one message's usage.
func (c ModelCost) Estimate(u *models.Usage) float64 {
	if u == nil {
		return 0
	}
	total := float64(u.InputTokens)*c.Input +
		float64(u.OutputTokens)*c.Output +
		float64(u.CacheReadTokens)*c.CacheRead +
		float64(u.CacheCreationTokens)*c.CacheWrite
	return total / 1_000_000
}

// modelCosts maps model id prefixes to pricing. Longest prefix wins.
var modelCosts = map[string]ModelCost{
	"claude-opus":   {Input: 5, Output: 25, CacheRead: 0.5, CacheWrite: 6.25},
	"claude-sonnet": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-haiku":  {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
}

// defaultCost is used for unknown models so cost reporting degrades to a
// conservative estimate instead of zero.
var defaultCost = ModelCost{Input: 5, Output: 25, CacheRead: 0.5, CacheWrite: 6.25}

// CostForModel returns the pricing for the given model id.
func CostForModel(model string) ModelCost {
	best := ""
	for prefix := range modelCosts {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultCost
	}
	return modelCosts[best]
}
