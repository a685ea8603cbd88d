package memlayers

import (
	"math"
	"strings"
	"time"

	"github.com/andyrt/andy/internal/store"
)

// lambda is the per-layer decay rate. user_model never decays.
var lambda = map[store.Layer]float64{
	store.LayerUserModel:  0,
	store.LayerProcedural: 0.005,
	store.LayerSemantic:   0.01,
	store.LayerEpisodic:   0.01,
	store.LayerLegacy:     0.01, // treated as semantic
}

// DecayScore computes the lazy decay formula: recency · accessFactor,
// clamped to [0,1]. user_model documents are pinned at 1.0.
func DecayScore(layer store.Layer, updatedAt time.Time, accessCount int64, now time.Time) float64 {
	if layer == store.LayerUserModel {
		return 1.0
	}

	lam, ok := lambda[layer]
	if !ok {
		lam = lambda[store.LayerSemantic]
	}

	days := now.Sub(updatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := math.Exp(-lam * days)

	accessFactor := 0.5 + 0.05*float64(accessCount)
	if accessFactor > 1 {
		accessFactor = 1
	}

	decay := recency * accessFactor
	if decay < 0 {
		decay = 0
	}
	if decay > 1 {
		decay = 1
	}
	return decay
}

// RefreshDecay recomputes d's decay score (0-100) in place. It does not
// write the document back to the Store.
func (l *Layers) RefreshDecay(d *store.Document, now time.Time) {
	if d.Layer == store.LayerUserModel {
		d.DecayScore = 100
		return
	}
	d.DecayScore = store.FloatToInt(DecayScore(d.Layer, d.UpdatedAt, d.AccessCount, now))
}

// originConfidence implements the semantic layer's confidence-by-origin
// table: human > mother > ... > default 0.60, with corrections/fixes and
// URLs in the source bumping it up.
func originConfidence(origin, sourcePath string) int {
	lowerOrigin := strings.ToLower(origin)
	lowerSource := strings.ToLower(sourcePath)

	switch {
	case strings.Contains(lowerSource, "correction") || strings.Contains(lowerSource, "fix"):
		return 85
	case strings.Contains(lowerSource, "http://") || strings.Contains(lowerSource, "https://"):
		return 80
	case lowerOrigin == "human":
		return 90
	case lowerOrigin == "mother":
		return 75
	default:
		return 60
	}
}
