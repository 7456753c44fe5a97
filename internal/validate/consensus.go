package validate

import (
	"context"
	"time"

	appconfig "barflow/config"
	"barflow/internal/fetch"
	"barflow/logger"
	"barflow/models"
)

var ohlcFields = []string{"open", "high", "low", "close"}

// ConsensusValidator cross-checks primary bars against an independently
// sourced reference series and maintains the integrity fingerprint chain.
// Reference unavailability is an expected operational condition; it lowers
// confidence but never fails the validation.
type ConsensusValidator struct {
	quality *Validator
	fetcher fetch.ReferenceFetcher
	chain   *FingerprintChain
	log     *logger.Log

	tolerance   float64
	threshold   float64
	matchWindow time.Duration
	noRefScale  float64

	now func() time.Time
}

func NewConsensusValidator(cfg *appconfig.Config, quality *Validator, fetcher fetch.ReferenceFetcher) *ConsensusValidator {
	c := &ConsensusValidator{
		quality:     quality,
		fetcher:     fetcher,
		chain:       NewFingerprintChain(cfg.Consensus.ChainLimit),
		log:         logger.GetLogger(),
		tolerance:   cfg.Consensus.Tolerance,
		threshold:   cfg.Consensus.QualityThreshold,
		matchWindow: cfg.Consensus.MatchTolerance,
		noRefScale:  cfg.Consensus.NoReferenceScale,
		now:         time.Now,
	}
	if c.tolerance <= 0 {
		c.tolerance = 0.05
	}
	if c.threshold <= 0 {
		c.threshold = 99.95
	}
	if c.matchWindow <= 0 {
		c.matchWindow = 2 * time.Minute
	}
	if c.noRefScale <= 0 || c.noRefScale > 1 {
		c.noRefScale = 0.8
	}
	return c
}

// Chain exposes the fingerprint chain for auditing.
func (c *ConsensusValidator) Chain() *FingerprintChain {
	return c.chain
}

// ValidateWithConsensus runs the quality pass, cross-checks the result
// against the reference source, and appends an integrity fingerprint. The
// returned report carries the base quality score; the fingerprint carries
// the consensus-adjusted one.
func (c *ConsensusValidator) ValidateWithConsensus(ctx context.Context, symbol string, timeframe models.Timeframe, bars []models.Bar) (*models.ValidationReport, *models.IntegrityFingerprint, error) {
	report, err := c.quality.Validate(symbol, timeframe, bars)
	if err != nil {
		return nil, nil, err
	}

	log := c.log.WithComponent("consensus_validator").WithFields(logger.Fields{
		"symbol": symbol,
		"bars":   len(bars),
	})

	records, refAvailable := c.crossCheck(ctx, symbol, timeframe, bars, log)
	score := c.enhanceScore(report.QualityScore, records, refAvailable)

	fp := c.chain.Append(symbol, timeframe, bars, score, score >= c.threshold, records, c.now())

	log.WithFields(logger.Fields{
		"base_score":     report.QualityScore,
		"enhanced_score": score,
		"matched_fields": len(records),
		"verified":       fp.Verified,
	}).Info("consensus validation complete")

	return report, &fp, nil
}

// crossCheck fetches the reference series and compares every matched bar
// field by field. A false second return means no reference data could be
// obtained at all.
func (c *ConsensusValidator) crossCheck(ctx context.Context, symbol string, timeframe models.Timeframe, bars []models.Bar, log *logger.Entry) ([]models.ConsensusRecord, bool) {
	if c.fetcher == nil || len(bars) == 0 {
		return nil, false
	}

	start := bars[0].Timestamp.Add(-c.matchWindow)
	end := bars[len(bars)-1].Timestamp.Add(c.matchWindow)
	refs, err := c.fetcher.FetchReference(ctx, symbol, start, end, timeframe)
	if err != nil {
		log.WithError(err).Warn("reference fetch failed, degrading confidence")
		return nil, false
	}
	if len(refs) == 0 {
		return nil, false
	}

	var records []models.ConsensusRecord
	for _, bar := range bars {
		ref, ok := closestReference(refs, bar.Timestamp, c.matchWindow)
		if !ok {
			// Absence of a matching reference bar is not evidence
			// of error.
			continue
		}
		records = append(records, c.compareBar(bar, ref)...)
	}
	return records, true
}

func (c *ConsensusValidator) compareBar(primary, reference models.Bar) []models.ConsensusRecord {
	pVals := [4]float64{
		primary.Open.InexactFloat64(), primary.High.InexactFloat64(),
		primary.Low.InexactFloat64(), primary.Close.InexactFloat64(),
	}
	rVals := [4]float64{
		reference.Open.InexactFloat64(), reference.High.InexactFloat64(),
		reference.Low.InexactFloat64(), reference.Close.InexactFloat64(),
	}

	records := make([]models.ConsensusRecord, 0, len(ohlcFields))
	for i, field := range ohlcFields {
		if rVals[i] == 0 {
			continue
		}
		deviation := abs(pVals[i]-rVals[i]) / rVals[i]
		confidence := 1 - deviation/c.tolerance
		if confidence < 0 {
			confidence = 0
		}
		records = append(records, models.ConsensusRecord{
			Field:        field,
			Timestamp:    primary.Timestamp,
			PrimaryValue: pVals[i],
			ReferenceVal: rVals[i],
			Consensus:    (pVals[i] + rVals[i]) / 2,
			DeviationPct: deviation * 100,
			Confidence:   confidence,
		})
	}
	return records
}

// enhanceScore folds consensus evidence into the base quality score.
// Strong agreement lifts the score by up to 10 points; deviation subtracts
// up to 10. With no reference data at all the base score is scaled down,
// since unverifiable data must not rank alongside corroborated data.
func (c *ConsensusValidator) enhanceScore(base float64, records []models.ConsensusRecord, refAvailable bool) float64 {
	if !refAvailable || len(records) == 0 {
		return clampScore(base * c.noRefScale)
	}

	sumConf, sumDev := 0.0, 0.0
	for _, r := range records {
		sumConf += r.Confidence
		sumDev += r.DeviationPct
	}
	avgConf := sumConf / float64(len(records))
	avgDev := sumDev / float64(len(records))

	penalty := avgDev / 5
	if penalty > 10 {
		penalty = 10
	}
	return clampScore(base + 10*avgConf - penalty)
}

// closestReference finds the reference bar nearest to ts, if any lies
// within the match window.
func closestReference(refs []models.Bar, ts time.Time, window time.Duration) (models.Bar, bool) {
	var best models.Bar
	bestDist := window + 1
	for _, ref := range refs {
		dist := ts.Sub(ref.Timestamp)
		if dist < 0 {
			dist = -dist
		}
		if dist <= window && dist < bestDist {
			best = ref
			bestDist = dist
		}
	}
	return best, bestDist <= window
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
