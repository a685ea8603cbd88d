package retrieval

import (
	"math"
	"time"

	"github.com/andyrt/andy/internal/store"
)

// fusionK is the RRF smoothing constant from the algorithm's step 6.
const fusionK = 60.0

// maxPosteriorShift bounds how far posterior correction may move the prior
// weights, keeping them within the "safety envelope" the algorithm requires.
const maxPosteriorShift = 0.25

// candidate is one document present in one or both ranked candidate lists.
type candidate struct {
	doc     *store.Document
	rankFTS int // 1-based; 0 = absent
	rankVec int
	scoreFTS float64 // normalized [0,1], used only for posterior correction
	scoreVec float64
}

// posteriorCorrect implements step 5: inspect mean top-k normalized scores
// per source and shift the prior weights toward whichever source is
// markedly stronger, bounded so weights stay within the safety envelope.
func posteriorCorrect(prior Weights, candidates map[int64]*candidate, topK int) Weights {
	var ftsSum, vecSum float64
	var ftsN, vecN int

	rankedFTS := make([]*candidate, 0, len(candidates))
	rankedVec := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.rankFTS > 0 {
			rankedFTS = append(rankedFTS, c)
		}
		if c.rankVec > 0 {
			rankedVec = append(rankedVec, c)
		}
	}

	for i, c := range rankedFTS {
		if i >= topK {
			break
		}
		ftsSum += c.scoreFTS
		ftsN++
	}
	for i, c := range rankedVec {
		if i >= topK {
			break
		}
		vecSum += c.scoreVec
		vecN++
	}

	if ftsN == 0 || vecN == 0 {
		return prior
	}

	ftsMean := ftsSum / float64(ftsN)
	vecMean := vecSum / float64(vecN)

	diff := vecMean - ftsMean // positive: vector markedly stronger
	shift := diff * maxPosteriorShift
	if shift > maxPosteriorShift {
		shift = maxPosteriorShift
	}
	if shift < -maxPosteriorShift {
		shift = -maxPosteriorShift
	}

	vec := clamp01(prior.Vector + shift)
	fts := 1 - vec
	return Weights{FTS: fts, Vector: vec}
}

// fuse implements steps 6-8: weighted RRF, recency boost, decay multiply,
// and layer boost, returning items sorted by score descending (step 9 sorts;
// paging is applied by the caller).
func fuse(candidates map[int64]*candidate, weights Weights, profile Profile, now time.Time) []ResultItem {
	items := make([]ResultItem, 0, len(candidates))

	for _, c := range candidates {
		var score float64
		if c.rankFTS > 0 {
			score += weights.FTS * (1.0 / (fusionK + float64(c.rankFTS)))
		}
		if c.rankVec > 0 {
			score += weights.Vector * (1.0 / (fusionK + float64(c.rankVec)))
		}

		if !c.doc.CreatedAt.IsZero() {
			days := now.Sub(c.doc.CreatedAt).Hours() / 24
			boost := 0.05 * math.Max(0, 1-days/365)
			score += boost
		}

		score *= store.IntToFloat(c.doc.DecayScore)
		score *= layerBoost(profile, c.doc.Layer)

		src := SourceBoth
		switch {
		case c.rankFTS > 0 && c.rankVec == 0:
			src = SourceLexical
		case c.rankVec > 0 && c.rankFTS == 0:
			src = SourceVector
		}

		items = append(items, ResultItem{
			Document: c.doc,
			Score:    score,
			Source:   src,
			RankFTS:  c.rankFTS,
			RankVec:  c.rankVec,
		})
	}

	// insertion sort is fine: candidate counts are bounded by
	// limit*multiplier, at most a few hundred.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Score > items[j-1].Score; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}

	return items
}

// layerBoost applies the layer-dependent constant keyed on profile (step 8).
func layerBoost(p Profile, layer store.Layer) float64 {
	effective := layer
	if effective == store.LayerLegacy {
		effective = store.LayerSemantic
	}

	switch {
	case effective == store.LayerProcedural && p == ProfileSemanticHowTo:
		return 1.2
	case effective == store.LayerUserModel:
		return 0.5
	default:
		return 1.0
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
