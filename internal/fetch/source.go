package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	appconfig "barflow/config"
	"barflow/logger"
	"barflow/models"
)

const primarySource = "binance_futures"

// BinanceSource is the primary market-data endpoint. It fetches futures
// klines over a broker-style lookback window and satisfies the Func
// boundary consumed by the pipeline.
type BinanceSource struct {
	client  *futures.Client
	limiter *rate.Limiter
	log     *logger.Log
	now     func() time.Time
}

// NewBinanceSource builds the primary fetcher from configuration.
func NewBinanceSource(cfg *appconfig.Config) *BinanceSource {
	srcCfg := cfg.Source.Binance

	timeout := srcCfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := binance.NewFuturesClient("", "")
	client.HTTPClient = &http.Client{Timeout: timeout}

	if parsed, err := url.Parse(srcCfg.URL); err == nil && parsed.Host != "" {
		client.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	rps := srcCfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := srcCfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &BinanceSource{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// Fetch returns bars for the symbol covering the lookback duration at the
// requested bar size. The signature matches Func so the source plugs
// straight into the pipeline.
func (s *BinanceSource) Fetch(ctx context.Context, symbol string, duration string, timeframe models.Timeframe) ([]models.Bar, error) {
	interval, ok := timeframeIntervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe '%s'", timeframe)
	}
	lookback, err := ParseLookback(duration)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, AsTransient(err)
	}

	end := s.now().UTC()
	start := end.Add(-lookback)

	log := s.log.WithComponent("source_fetcher").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
		"lookback": duration,
	})

	klines, err := s.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(1500).
		Do(ctx)
	if err != nil {
		log.WithError(err).Warn("source fetch failed")
		return nil, AsTransient(err)
	}

	bars := make([]models.Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := barFromStrings(symbol, k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, primarySource)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"open_time": k.OpenTime}).Warn("skipping malformed kline")
			continue
		}
		bars = append(bars, bar)
	}

	log.WithFields(logger.Fields{"bars": len(bars)}).Debug("source bars fetched")
	return bars, nil
}

// ParseLookback converts a broker-style duration string ("1 D", "2 W",
// "3600 S") into a time.Duration. Months and years use calendar
// approximations of 30 and 365 days.
func ParseLookback(s string) (time.Duration, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return 0, fmt.Errorf("malformed duration '%s': want '<n> <S|D|W|M|Y>'", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("malformed duration '%s': count must be a positive integer", s)
	}

	var unit time.Duration
	switch strings.ToUpper(fields[1]) {
	case "S":
		unit = time.Second
	case "D":
		unit = 24 * time.Hour
	case "W":
		unit = 7 * 24 * time.Hour
	case "M":
		unit = 30 * 24 * time.Hour
	case "Y":
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("malformed duration '%s': unknown unit '%s'", s, fields[1])
	}
	return time.Duration(n) * unit, nil
}
