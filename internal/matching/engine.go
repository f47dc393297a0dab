package matching

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/rs/zerolog"

	"plate-alert-service/internal/domain/detection"
	"plate-alert-service/internal/utils"
)

// PlateSource is the read boundary to the registered-plate directory.
type PlateSource interface {
	ActivePlates(ctx context.Context) ([]detection.RegisteredPlate, error)
}

// Engine compares recognized plate text against an atomically swapped
// snapshot of the active registered corpus. The snapshot is never mutated in
// place; Refresh builds a new one and swaps the pointer.
type Engine struct {
	similarityThreshold float64
	confidenceThreshold float64
	matchLowConfidence  bool
	source              PlateSource
	corpus              atomic.Pointer[[]corpusEntry]
	log                 zerolog.Logger
}

type corpusEntry struct {
	plate      detection.RegisteredPlate
	normalized string
	folded     string
}

func NewEngine(similarityThreshold, confidenceThreshold float64, matchLowConfidence bool, source PlateSource, log zerolog.Logger) *Engine {
	e := &Engine{
		similarityThreshold: similarityThreshold,
		confidenceThreshold: confidenceThreshold,
		matchLowConfidence:  matchLowConfidence,
		source:              source,
		log:                 log.With().Str("component", "matching").Logger(),
	}
	empty := []corpusEntry{}
	e.corpus.Store(&empty)
	return e
}

// SetCorpus replaces the snapshot directly. Used at startup and in tests;
// periodic updates go through Refresh.
func (e *Engine) SetCorpus(plates []detection.RegisteredPlate) {
	entries := make([]corpusEntry, 0, len(plates))
	for _, p := range plates {
		if !p.IsActive {
			continue
		}
		normalized := p.Normalized
		if normalized == "" {
			normalized = utils.NormalizePlate(p.Number)
		}
		if normalized == "" {
			continue
		}
		entries = append(entries, corpusEntry{
			plate:      p,
			normalized: normalized,
			folded:     utils.FoldOCRConfusions(normalized),
		})
	}
	e.corpus.Store(&entries)
}

// Refresh pulls the active corpus from the source and swaps it in.
func (e *Engine) Refresh(ctx context.Context) error {
	plates, err := e.source.ActivePlates(ctx)
	if err != nil {
		return err
	}
	e.SetCorpus(plates)
	e.log.Debug().Int("plates", len(plates)).Msg("registered plate corpus refreshed")
	return nil
}

// StartRefresh refreshes the corpus on an interval until ctx is cancelled.
// A failed refresh keeps the previous snapshot.
func (e *Engine) StartRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Refresh(ctx); err != nil {
					e.log.Error().Err(err).Msg("corpus refresh failed")
				}
			}
		}
	}()
}

type candidate struct {
	entry      corpusEntry
	similarity float64
	rank       float64
	exact      bool
}

// Match scores the recognized text against every active registered plate.
// No eligible candidate is a normal UNMATCHED outcome, not an error.
func (e *Engine) Match(plateText string, confidence float64) detection.MatchResult {
	unmatched := detection.MatchResult{Decision: detection.DecisionUnmatched}

	normalized := utils.NormalizePlate(plateText)
	if normalized == "" {
		return unmatched
	}

	lowConfidence := confidence < e.confidenceThreshold
	if lowConfidence && !e.matchLowConfidence {
		e.log.Debug().
			Str("plate", normalized).
			Float64("confidence", confidence).
			Msg("skipping low-confidence read")
		return unmatched
	}

	folded := utils.FoldOCRConfusions(normalized)
	entries := *e.corpus.Load()

	var candidates []candidate
	for _, entry := range entries {
		sim := similarity(normalized, entry.normalized)
		if patternSim := similarity(folded, entry.folded); patternSim > sim {
			sim = patternSim
		}
		if sim < e.similarityThreshold {
			continue
		}

		rank := sim
		if lowConfidence {
			// Low-confidence reads still match, but confidence weighs
			// into the ranking between eligible candidates.
			rank = sim * confidence
		}
		candidates = append(candidates, candidate{
			entry:      entry,
			similarity: sim,
			rank:       rank,
			exact:      normalized == entry.normalized,
		})
	}

	if len(candidates) == 0 {
		e.log.Debug().Str("plate", normalized).Msg("no eligible registered plate")
		return unmatched
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rank != b.rank {
			return a.rank > b.rank
		}
		if a.entry.plate.IsPrimary != b.entry.plate.IsPrimary {
			return a.entry.plate.IsPrimary
		}
		return a.entry.plate.UpdatedAt.After(b.entry.plate.UpdatedAt)
	})

	best := candidates[0]
	ownerID := best.entry.plate.OwnerID
	e.log.Info().
		Str("plate", normalized).
		Str("matched_plate", best.entry.plate.Number).
		Int64("owner_id", ownerID).
		Float64("similarity", best.similarity).
		Bool("exact", best.exact).
		Msg("plate matched")

	return detection.MatchResult{
		OwnerID:      &ownerID,
		MatchedPlate: best.entry.plate.Number,
		Similarity:   best.similarity,
		ExactMatch:   best.exact,
		Decision:     detection.DecisionMatched,
	}
}

// similarity is normalized Levenshtein over already-normalized strings:
// 1 - distance/len(longer), with exact equality short-circuiting to 1.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longer)
}
