package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies the bar interval of a series.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe15Min Timeframe = "15min"
	Timeframe1Hour Timeframe = "1hour"
	Timeframe4Hour Timeframe = "4hour"
	TimeframeDaily Timeframe = "daily"
)

// Timeframes lists every supported bar interval.
var Timeframes = []Timeframe{
	Timeframe1Min,
	Timeframe15Min,
	Timeframe1Hour,
	Timeframe4Hour,
	TimeframeDaily,
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	for _, t := range Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// Interval returns the expected spacing between consecutive bars.
func (tf Timeframe) Interval() time.Duration {
	switch tf {
	case Timeframe1Min:
		return time.Minute
	case Timeframe15Min:
		return 15 * time.Minute
	case Timeframe1Hour:
		return time.Hour
	case Timeframe4Hour:
		return 4 * time.Hour
	case TimeframeDaily:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Intraday reports whether the timeframe is shorter than a trading day.
// Intraday series legitimately contain overnight and weekend gaps.
func (tf Timeframe) Intraday() bool {
	return tf != TimeframeDaily
}

// TimeframeFromInterval maps an observed bar spacing back to a Timeframe.
func TimeframeFromInterval(d time.Duration) Timeframe {
	switch {
	case d <= time.Minute:
		return Timeframe1Min
	case d <= 15*time.Minute:
		return Timeframe15Min
	case d <= time.Hour:
		return Timeframe1Hour
	case d <= 4*time.Hour:
		return Timeframe4Hour
	default:
		return TimeframeDaily
	}
}

// Bar is a single OHLCV observation. Bars are treated as immutable once
// they have passed validation.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Source    string          `json:"source"`
}

// Canonical returns a stable single-line rendering of the bar used for
// content hashing. Decimal values are normalized so that 100.50 and 100.5
// hash identically regardless of how the upstream encoded them.
func (b Bar) Canonical() string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s|%d",
		b.Symbol,
		b.Timestamp.UTC().UnixNano(),
		b.Open.String(),
		b.High.String(),
		b.Low.String(),
		b.Close.String(),
		b.Volume,
	)
}

// CanonicalSeries renders a bar sequence for content hashing. Bars are
// ordered by timestamp first so the hash does not depend on input order.
func CanonicalSeries(bars []Bar) string {
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	lines := make([]string, 0, len(sorted))
	for _, b := range sorted {
		lines = append(lines, b.Canonical())
	}
	return strings.Join(lines, "\n")
}
