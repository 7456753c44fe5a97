package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "barflow/config"
	"barflow/internal/batch"
	"barflow/internal/channel"
	"barflow/models"
)

func testConfig(consensus bool) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Barflow.Name = "barflow-test"
	cfg.Barflow.Version = "0.0.1"
	cfg.Scheduler.RateLimits = map[string]appconfig.RateLimitPolicy{
		string(models.RequestHistoricalData): {
			MaxRatePerSecond: 1000,
			BurstAllowance:   1000,
			Cooldown:         time.Second,
			MaxRetries:       1,
		},
	}
	cfg.Batch.SequentialPause = time.Millisecond
	cfg.Batch.SymbolGroupPause = time.Millisecond
	cfg.Batch.TimeframePause = time.Millisecond
	cfg.Batch.PriorityPause = time.Millisecond
	cfg.Validator.PriceMin = 0.01
	cfg.Validator.PriceMax = 100000
	cfg.Validator.VolumeMax = 1_000_000_000
	cfg.Validator.MinQualityScore = 95
	cfg.Consensus.Enabled = consensus
	cfg.Consensus.Tolerance = 0.05
	cfg.Consensus.QualityThreshold = 99.95
	cfg.Consensus.ChainLimit = 100
	cfg.Consensus.MatchTolerance = 2 * time.Minute
	cfg.Consensus.NoReferenceScale = 0.8
	return cfg
}

// tradingBars builds n clean 1-minute bars inside a regular session.
func tradingBars(symbol string, n int) []models.Bar {
	start := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC) // 09:30 eastern
	bars := make([]models.Bar, 0, n)
	for i := 0; i < n; i++ {
		price := 100.0 + float64(i)*0.01
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      decimal.NewFromFloat(price),
			High:      decimal.NewFromFloat(price + 0.05),
			Low:       decimal.NewFromFloat(price - 0.05),
			Close:     decimal.NewFromFloat(price + 0.02),
			Volume:    1000,
			Source:    "primary",
		})
	}
	return bars
}

func cleanFetch(ctx context.Context, symbol, duration string, tf models.Timeframe) ([]models.Bar, error) {
	return tradingBars(symbol, 30), nil
}

type mirrorReference struct{}

func (mirrorReference) FetchReference(ctx context.Context, symbol string, start, end time.Time, timeframe models.Timeframe) ([]models.Bar, error) {
	return tradingBars(symbol, 30), nil
}

func startPipeline(t *testing.T, cfg *appconfig.Config, fetchFn func(context.Context, string, string, models.Timeframe) ([]models.Bar, error)) (*Pipeline, *channel.Channels, func()) {
	t.Helper()
	channels := channel.NewChannels(50, 50)
	p := New(cfg, fetchFn, mirrorReference{}, channels)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, channels, func() {
		p.Stop()
		cancel()
	}
}

func oneMinSpec() []batch.TimeframeSpec {
	return []batch.TimeframeSpec{{Duration: "1 D", Timeframe: models.Timeframe1Min}}
}

func TestDownloadCleanSymbols(t *testing.T) {
	p, channels, stop := startPipeline(t, testConfig(false), cleanFetch)
	defer stop()

	result, err := p.Download(context.Background(), []string{"AAPL", "MSFT"}, oneMinSpec(), batch.StrategySequential, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.Requested != 2 || result.Fetched != 2 || result.Accepted != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Rejected != 0 || result.FetchFailed != 0 {
		t.Fatalf("unexpected failures: %+v", result)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case vb := <-channels.Validated:
			seen[vb.Symbol] = true
			if !vb.Report.Passed {
				t.Fatalf("emitted batch did not pass: %+v", vb.Report)
			}
			if len(vb.Bars) != 30 {
				t.Fatalf("emitted %d bars, want 30", len(vb.Bars))
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for validated batches")
		}
	}
	if !seen["AAPL"] || !seen["MSFT"] {
		t.Fatalf("missing symbols: %v", seen)
	}

	stats := p.Stats()
	if stats.Scheduler.Successful != 2 {
		t.Fatalf("scheduler successes = %d, want 2", stats.Scheduler.Successful)
	}
	if stats.Channels.ValidatedSent != 2 {
		t.Fatalf("channel sends = %d, want 2", stats.Channels.ValidatedSent)
	}
}

func TestDownloadFetchFailure(t *testing.T) {
	fetchFn := func(ctx context.Context, symbol, duration string, tf models.Timeframe) ([]models.Bar, error) {
		if symbol == "BROKEN" {
			return nil, fmt.Errorf("unknown contract")
		}
		return cleanFetch(ctx, symbol, duration, tf)
	}
	p, channels, stop := startPipeline(t, testConfig(false), fetchFn)
	defer stop()

	result, err := p.Download(context.Background(), []string{"AAPL", "BROKEN"}, oneMinSpec(), batch.StrategySequential, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.Accepted != 1 || result.FetchFailed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	select {
	case failed := <-channels.Errors:
		if failed.Symbol != "BROKEN" || failed.Reason == "" {
			t.Fatalf("unexpected failure record: %+v", failed)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failure record")
	}
}

func TestDownloadQualityGateRejects(t *testing.T) {
	fetchFn := func(ctx context.Context, symbol, duration string, tf models.Timeframe) ([]models.Bar, error) {
		bars := tradingBars(symbol, 5)
		// One impossible bar in five drops the score well below the
		// gate.
		bars[2].High = decimal.NewFromFloat(50)
		bars[2].Low = decimal.NewFromFloat(200)
		return bars, nil
	}
	p, channels, stop := startPipeline(t, testConfig(false), fetchFn)
	defer stop()

	result, err := p.Download(context.Background(), []string{"AAPL"}, oneMinSpec(), batch.StrategySequential, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.Rejected != 1 || result.Accepted != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	select {
	case failed := <-channels.Errors:
		if failed.Score >= 95 {
			t.Fatalf("rejected batch score = %.2f, want below gate", failed.Score)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection record")
	}
}

func TestDownloadWithConsensus(t *testing.T) {
	p, channels, stop := startPipeline(t, testConfig(true), cleanFetch)
	defer stop()

	result, err := p.Download(context.Background(), []string{"AAPL", "MSFT", "GOOGL"}, oneMinSpec(), batch.StrategyParallelTimeframe, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.Accepted != 3 {
		t.Fatalf("accepted = %d, want 3", result.Accepted)
	}

	for i := 0; i < 3; i++ {
		select {
		case vb := <-channels.Validated:
			if !vb.Fingerprint.Verified {
				t.Fatalf("batch %s not verified: score %.4f", vb.Symbol, vb.Fingerprint.Score)
			}
			if vb.Fingerprint.ChainHash == "" {
				t.Fatal("fingerprint missing chain hash")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for validated batches")
		}
	}

	if p.Stats().ChainLen != 3 {
		t.Fatalf("chain length = %d, want 3", p.Stats().ChainLen)
	}
	if err := p.Chain().Verify(); err != nil {
		t.Fatalf("chain verification failed: %v", err)
	}
}

func TestDownloadRequiresRunningPipeline(t *testing.T) {
	channels := channel.NewChannels(10, 10)
	p := New(testConfig(false), cleanFetch, nil, channels)

	if _, err := p.Download(context.Background(), []string{"AAPL"}, oneMinSpec(), batch.StrategySequential, nil); err == nil {
		t.Fatal("expected error for stopped pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if _, err := p.Download(context.Background(), nil, oneMinSpec(), batch.StrategySequential, nil); err == nil {
		t.Fatal("expected error for empty symbol list")
	}
	if err := p.Start(ctx); err == nil {
		t.Fatal("expected error for double start")
	}
}
