package validate

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	appconfig "barflow/config"
	"barflow/logger"
	"barflow/models"
)

// Issue categories. Reports are machine-consumed downstream, so values
// stay stable across releases.
const (
	CategoryStructural = "structural"
	CategoryTemporal   = "temporal"
	CategorySessionGap = "session_gap"
	CategoryOHLC       = "ohlc_logic"
	CategoryPriceRange = "price_range"
	CategoryVolume     = "volume"
	CategoryMovement   = "price_movement"
	CategoryOutlier    = "statistical_outlier"
)

// Severity penalties applied per affected bar when scoring.
const (
	penaltyCritical = 50.0
	penaltyError    = 10.0
	penaltyWarning  = 2.0
)

// Data gaps wider than this many expected intervals are reported.
const gapFactor = 5

// Closure-spanning gaps at or below this stay silent; longer ones (long
// weekends, trading halts) are noted as informational session gaps.
const sessionGapFloor = 18 * time.Hour

// Session movement violations below this count stay at Warning severity.
const isolatedMoveLimit = 5

// Validator runs quality checks over a time-ordered bar series. It holds
// only configuration, never per-call state, so one instance may validate
// many symbols concurrently.
type Validator struct {
	priceMin   decimal.Decimal
	priceMax   decimal.Decimal
	volumeMax  int64
	minQuality float64
	log        *logger.Log
}

func NewValidator(cfg *appconfig.Config) *Validator {
	return &Validator{
		priceMin:   decimal.NewFromFloat(cfg.Validator.PriceMin),
		priceMax:   decimal.NewFromFloat(cfg.Validator.PriceMax),
		volumeMax:  cfg.Validator.VolumeMax,
		minQuality: cfg.Validator.MinQualityScore,
		log:        logger.GetLogger(),
	}
}

// Validate inspects bars for one symbol and produces a report. Malformed
// data never causes an error; it is described as issues inside the report.
// An error is returned only when a required parameter is missing.
func (v *Validator) Validate(symbol string, timeframe models.Timeframe, bars []models.Bar) (*models.ValidationReport, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol must not be empty")
	}

	if len(bars) == 0 {
		report := &models.ValidationReport{
			Symbol:    symbol,
			TotalBars: 0,
			Issues: []models.ValidationIssue{{
				Severity: models.SeverityCritical,
				Category: CategoryStructural,
				Message:  "bar series is empty",
				BarIndex: -1,
			}},
			QualityScore:    0,
			Passed:          false,
			Recommendations: []string{"No data received; verify the upstream fetch succeeded"},
		}
		return report, nil
	}

	var issues []models.ValidationIssue
	issues = append(issues, v.checkStructure(bars)...)
	issues = append(issues, v.checkTimestamps(timeframe, bars)...)
	issues = append(issues, v.checkOHLC(bars)...)
	issues = append(issues, v.checkPriceRange(bars)...)
	issues = append(issues, v.checkVolume(bars)...)
	issues = append(issues, v.checkMovements(bars)...)
	issues = append(issues, v.checkOutliers(bars)...)

	score := scoreIssues(len(bars), issues)
	report := &models.ValidationReport{
		Symbol:          symbol,
		TotalBars:       len(bars),
		Issues:          issues,
		QualityScore:    score,
		Recommendations: recommendations(issues),
	}
	report.Passed = score >= v.minQuality && report.CountBySeverity(models.SeverityCritical) == 0

	v.log.WithComponent("quality_validator").WithFields(logger.Fields{
		"symbol": symbol,
		"bars":   len(bars),
		"issues": len(issues),
		"score":  fmt.Sprintf("%.2f", score),
		"passed": report.Passed,
	}).Debug("validation complete")

	return report, nil
}

// MinQualityScore is the threshold a report must meet to pass.
func (v *Validator) MinQualityScore() float64 {
	return v.minQuality
}

func (v *Validator) checkStructure(bars []models.Bar) []models.ValidationIssue {
	var issues []models.ValidationIssue
	for i, b := range bars {
		if b.Timestamp.IsZero() {
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityCritical,
				Category: CategoryStructural,
				Message:  "bar has no timestamp",
				BarIndex: i,
			})
		}
		if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityCritical,
				Category: CategoryStructural,
				Message:  "bar has a missing or non-positive price field",
				BarIndex: i,
				Value:    ohlcValue(b),
			})
		}
	}
	return issues
}

func (v *Validator) checkTimestamps(timeframe models.Timeframe, bars []models.Bar) []models.ValidationIssue {
	var issues []models.ValidationIssue
	interval := timeframe.Interval()

	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Timestamp, bars[i].Timestamp
		if prev.IsZero() || cur.IsZero() {
			continue
		}

		switch {
		case cur.Equal(prev):
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityError,
				Category: CategoryTemporal,
				Message:  "duplicate timestamp",
				BarIndex: i,
				Value:    cur.UTC().Format(time.RFC3339),
			})
		case cur.Before(prev):
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityError,
				Category: CategoryTemporal,
				Message:  "timestamps not strictly increasing",
				BarIndex: i,
				Value:    cur.UTC().Format(time.RFC3339),
				Expected: fmt.Sprintf("after %s", prev.UTC().Format(time.RFC3339)),
			})
		default:
			gap := cur.Sub(prev)
			if gap <= time.Duration(gapFactor)*interval {
				continue
			}
			// Overnight and weekend halts are expected on intraday data
			// and never penalized; only unusually long ones get a note.
			if timeframe.Intraday() && SpansClosure(prev, cur) {
				if gap > sessionGapFloor {
					issues = append(issues, models.ValidationIssue{
						Severity: models.SeverityInfo,
						Category: CategorySessionGap,
						Message:  fmt.Sprintf("gap of %s spans a market closure", gap),
						BarIndex: i,
					})
				}
				continue
			}
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityWarning,
				Category: CategoryTemporal,
				Message:  fmt.Sprintf("gap of %s exceeds %dx expected interval", gap, gapFactor),
				BarIndex: i,
				Expected: interval.String(),
			})
		}
	}
	return issues
}

// checkOHLC emits at most one issue per bar. An inverted bar (high below
// low) is physically impossible and graded Critical; other relation
// violations are Error.
func (v *Validator) checkOHLC(bars []models.Bar) []models.ValidationIssue {
	var issues []models.ValidationIssue
	for i, b := range bars {
		switch {
		case b.High.LessThan(b.Low):
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityCritical,
				Category: CategoryOHLC,
				Message:  "high price below low price",
				BarIndex: i,
				Value:    ohlcValue(b),
			})
		case b.High.LessThan(b.Open) || b.High.LessThan(b.Close):
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityError,
				Category: CategoryOHLC,
				Message:  "high price below open or close",
				BarIndex: i,
				Value:    ohlcValue(b),
			})
		case b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close):
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityError,
				Category: CategoryOHLC,
				Message:  "low price above open or close",
				BarIndex: i,
				Value:    ohlcValue(b),
			})
		}
	}
	return issues
}

func (v *Validator) checkPriceRange(bars []models.Bar) []models.ValidationIssue {
	var issues []models.ValidationIssue
	for i, b := range bars {
		lowest := decimal.Min(b.Open, b.High, b.Low, b.Close)
		highest := decimal.Max(b.Open, b.High, b.Low, b.Close)

		// Non-positive prices are already flagged as structural.
		if lowest.IsPositive() && lowest.LessThan(v.priceMin) {
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityError,
				Category: CategoryPriceRange,
				Message:  "price below configured minimum",
				BarIndex: i,
				Value:    lowest.String(),
				Expected: fmt.Sprintf(">= %s", v.priceMin),
			})
		}
		if highest.GreaterThan(v.priceMax) {
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityWarning,
				Category: CategoryPriceRange,
				Message:  "price above configured maximum",
				BarIndex: i,
				Value:    highest.String(),
				Expected: fmt.Sprintf("<= %s", v.priceMax),
			})
		}
	}
	return issues
}

func (v *Validator) checkVolume(bars []models.Bar) []models.ValidationIssue {
	var issues []models.ValidationIssue
	for i, b := range bars {
		switch {
		case b.Volume < 0:
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityError,
				Category: CategoryVolume,
				Message:  "negative volume",
				BarIndex: i,
				Value:    fmt.Sprintf("%d", b.Volume),
			})
		case b.Volume == 0:
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityWarning,
				Category: CategoryVolume,
				Message:  "zero volume",
				BarIndex: i,
			})
		case b.Volume > v.volumeMax:
			issues = append(issues, models.ValidationIssue{
				Severity: models.SeverityWarning,
				Category: CategoryVolume,
				Message:  "volume above configured ceiling",
				BarIndex: i,
				Value:    fmt.Sprintf("%d", b.Volume),
				Expected: fmt.Sprintf("<= %d", v.volumeMax),
			})
		}
	}
	return issues
}

// checkMovements validates bar-to-bar close movements against the session
// tolerance table. Isolated excursions stay Warnings; five or more in one
// series are graded Error.
func (v *Validator) checkMovements(bars []models.Bar) []models.ValidationIssue {
	type move struct {
		index   int
		pct     float64
		session TradingSession
		bound   float64
	}

	var violations []move
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if !prev.IsPositive() || !bars[i].Close.IsPositive() {
			continue
		}

		session := ClassifySession(bars[i].Timestamp)
		bound := MovementTolerance(session)
		if bound < 0 {
			continue
		}

		change, _ := bars[i].Close.Sub(prev).Div(prev).Abs().Float64()
		if change > bound {
			violations = append(violations, move{index: i, pct: change, session: session, bound: bound})
		}
	}

	severity := models.SeverityWarning
	if len(violations) >= isolatedMoveLimit {
		severity = models.SeverityError
	}

	issues := make([]models.ValidationIssue, 0, len(violations))
	for _, m := range violations {
		issues = append(issues, models.ValidationIssue{
			Severity: severity,
			Category: CategoryMovement,
			Message:  fmt.Sprintf("%.1f%% close-to-close move during %s session", m.pct*100, m.session),
			BarIndex: m.index,
			Value:    fmt.Sprintf("%.4f", m.pct),
			Expected: fmt.Sprintf("<= %.2f", m.bound),
		})
	}
	return issues
}

// checkOutliers applies the 1.5x interquartile-range rule to close prices.
// Outliers are informational only and never penalized in scoring.
func (v *Validator) checkOutliers(bars []models.Bar) []models.ValidationIssue {
	if len(bars) < 4 {
		return nil
	}

	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		c, _ := b.Close.Float64()
		closes = append(closes, c)
	}
	sorted := make([]float64, len(closes))
	copy(sorted, closes)
	sort.Float64s(sorted)

	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	count := 0
	for _, c := range closes {
		if c < lower || c > upper {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return []models.ValidationIssue{{
		Severity: models.SeverityInfo,
		Category: CategoryOutlier,
		Message:  fmt.Sprintf("%d statistical close-price outliers by the 1.5xIQR rule", count),
		BarIndex: -1,
		Expected: fmt.Sprintf("[%.4f, %.4f]", lower, upper),
	}}
}

// scoreIssues computes the 0-100 quality score. Each issue's severity
// penalty is weighted by the fraction of bars it affects (one bar per
// issue); the cumulative penalty is capped at 100. The result depends only
// on the bar count and the issue list, never on issue ordering.
func scoreIssues(totalBars int, issues []models.ValidationIssue) float64 {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	fraction := 1.0 / float64(totalBars)
	for _, issue := range issues {
		switch issue.Severity {
		case models.SeverityCritical:
			penalty += penaltyCritical * fraction
		case models.SeverityError:
			penalty += penaltyError * fraction
		case models.SeverityWarning:
			penalty += penaltyWarning * fraction
		}
	}
	if penalty > 100 {
		penalty = 100
	}
	return 100 - penalty
}

func recommendations(issues []models.ValidationIssue) []string {
	if len(issues) == 0 {
		return []string{"Data quality is excellent; series is ready for use"}
	}

	categories := make(map[string]bool)
	hasError := false
	hasWarning := false
	for _, issue := range issues {
		categories[issue.Category] = true
		switch issue.Severity {
		case models.SeverityError, models.SeverityCritical:
			hasError = true
		case models.SeverityWarning:
			hasWarning = true
		}
	}

	var recs []string
	if hasError {
		recs = append(recs, "Serious data quality issues detected; review before use")
	}
	if hasWarning {
		recs = append(recs, "Data quality warnings present; consider cleaning the series")
	}
	if categories[CategoryOHLC] || categories[CategoryStructural] {
		recs = append(recs, "Fix OHLC or structural errors; source data may be corrupted")
	}
	if categories[CategoryTemporal] {
		recs = append(recs, "Review timestamp issues; they affect time-based analysis")
	}
	if categories[CategoryOutlier] {
		recs = append(recs, "Investigate statistical outliers before model training")
	}
	if categories[CategorySessionGap] {
		recs = append(recs, "Series spans market closures; account for overnight gaps")
	}
	return recs
}

// quantile reads a quantile from an ascending slice with linear
// interpolation between the two nearest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func ohlcValue(b models.Bar) string {
	return fmt.Sprintf("O:%s H:%s L:%s C:%s", b.Open, b.High, b.Low, b.Close)
}
