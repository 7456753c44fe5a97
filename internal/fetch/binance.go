package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	appconfig "barflow/config"
	"barflow/logger"
	"barflow/models"
)

const referenceSource = "binance"

var timeframeIntervals = map[models.Timeframe]string{
	models.Timeframe1Min:  "1m",
	models.Timeframe15Min: "15m",
	models.Timeframe1Hour: "1h",
	models.Timeframe4Hour: "4h",
	models.TimeframeDaily: "1d",
}

// BinanceReference fetches comparison klines from Binance for consensus
// validation. Outbound calls are throttled with a token bucket so the
// reference source never sees a request storm when many symbols validate
// at once.
type BinanceReference struct {
	client  *binance.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewBinanceReference builds the reference fetcher from configuration.
func NewBinanceReference(cfg *appconfig.Config) *BinanceReference {
	refCfg := cfg.Reference.Binance

	timeout := refCfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := binance.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: timeout}

	if parsed, err := url.Parse(refCfg.URL); err == nil && parsed.Host != "" {
		client.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	rps := refCfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := refCfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &BinanceReference{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

// FetchReference returns reference bars for the symbol over [start, end].
// Errors are classified transient because reference unavailability is an
// operational condition the caller degrades on, never fails on.
func (r *BinanceReference) FetchReference(ctx context.Context, symbol string, start, end time.Time, timeframe models.Timeframe) ([]models.Bar, error) {
	interval, ok := timeframeIntervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe '%s'", timeframe)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, AsTransient(err)
	}

	log := r.log.WithComponent("reference_fetcher").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
	})

	klines, err := r.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		log.WithError(err).Warn("reference fetch failed")
		return nil, AsTransient(err)
	}

	bars := make([]models.Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := klineToBar(symbol, k)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"open_time": k.OpenTime}).Warn("skipping malformed kline")
			continue
		}
		bars = append(bars, bar)
	}

	log.WithFields(logger.Fields{"bars": len(bars)}).Debug("reference bars fetched")
	return bars, nil
}

func klineToBar(symbol string, k *binance.Kline) (models.Bar, error) {
	return barFromStrings(symbol, k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, referenceSource)
}

func barFromStrings(symbol string, openTime int64, open, high, low, closePx, volume, source string) (models.Bar, error) {
	o, err := decimal.NewFromString(open)
	if err != nil {
		return models.Bar{}, fmt.Errorf("parse open: %w", err)
	}
	h, err := decimal.NewFromString(high)
	if err != nil {
		return models.Bar{}, fmt.Errorf("parse high: %w", err)
	}
	l, err := decimal.NewFromString(low)
	if err != nil {
		return models.Bar{}, fmt.Errorf("parse low: %w", err)
	}
	c, err := decimal.NewFromString(closePx)
	if err != nil {
		return models.Bar{}, fmt.Errorf("parse close: %w", err)
	}
	v, err := decimal.NewFromString(volume)
	if err != nil {
		return models.Bar{}, fmt.Errorf("parse volume: %w", err)
	}

	return models.Bar{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(openTime).UTC(),
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    v.IntPart(),
		Source:    source,
	}, nil
}
