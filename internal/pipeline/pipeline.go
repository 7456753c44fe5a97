package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "barflow/config"
	"barflow/internal/batch"
	"barflow/internal/channel"
	"barflow/internal/fetch"
	"barflow/internal/ratelimit"
	"barflow/internal/validate"
	"barflow/logger"
	"barflow/models"
)

// Stats aggregates a point-in-time view across every pipeline component.
type Stats struct {
	Scheduler ratelimit.Stats `json:"scheduler"`
	Optimizer batch.Stats     `json:"optimizer"`
	Channels  channel.Stats   `json:"channels"`
	ChainLen  int             `json:"chain_length"`
}

// DownloadResult summarizes one Download call.
type DownloadResult struct {
	BatchID     string        `json:"batch_id"`
	Requested   int           `json:"requested"`
	Fetched     int           `json:"fetched"`
	Accepted    int           `json:"accepted"`
	Rejected    int           `json:"rejected"`
	FetchFailed int           `json:"fetch_failed"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Pipeline wires the scheduler, batch optimizer, validators and output
// channels into one ingestion flow: expand the intent into requests, fetch
// under admission control, validate, gate on quality, and emit survivors.
type Pipeline struct {
	cfg       *appconfig.Config
	log       *logger.Log
	limiter   *ratelimit.Limiter
	optimizer *batch.Optimizer
	quality   *validate.Validator
	consensus *validate.ConsensusValidator
	fetchFn   fetch.Func
	channels  *channel.Channels

	mu      sync.RWMutex
	running bool
}

// New builds a pipeline. reference may be nil; consensus validation is
// used only when enabled in config and a fetcher is available.
func New(cfg *appconfig.Config, fetchFn fetch.Func, reference fetch.ReferenceFetcher, channels *channel.Channels) *Pipeline {
	limiter := ratelimit.NewLimiter(cfg)
	quality := validate.NewValidator(cfg)

	var consensus *validate.ConsensusValidator
	if cfg.Consensus.Enabled {
		consensus = validate.NewConsensusValidator(cfg, quality, reference)
	}

	p := &Pipeline{
		cfg:       cfg,
		log:       logger.GetLogger(),
		limiter:   limiter,
		optimizer: batch.NewOptimizer(cfg, limiter),
		quality:   quality,
		consensus: consensus,
		fetchFn:   fetchFn,
		channels:  channels,
	}

	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"consensus_enabled": consensus != nil,
	}).Info("pipeline initialized")
	return p
}

func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.limiter.Start(ctx)
	p.log.WithComponent("pipeline").Info("pipeline started")
	return nil
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.limiter.Stop()
	p.log.WithComponent("pipeline").Info("pipeline stopped")
}

// Download runs the whole flow for a symbols x timeframes cross product and
// blocks until every request reached a terminal state. Completed fetches
// are validated concurrently; batches passing the quality gate go to the
// validated channel, everything else to the error channel.
func (p *Pipeline) Download(ctx context.Context, symbols []string, specs []batch.TimeframeSpec, strategy batch.Strategy, priorities map[string]models.Priority) (DownloadResult, error) {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return DownloadResult{}, fmt.Errorf("pipeline is not running")
	}
	if len(symbols) == 0 || len(specs) == 0 {
		return DownloadResult{}, fmt.Errorf("symbols and timeframes must not be empty")
	}

	start := time.Now()
	batchID := p.optimizer.CreateComprehensiveBatch(symbols, specs, "", priorities)

	result, err := p.optimizer.Execute(ctx, batchID, strategy, p.fetchFn)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("batch execution failed: %w", err)
	}

	out := DownloadResult{
		BatchID:   batchID,
		Requested: result.Total,
		Fetched:   result.Completed,
	}

	var wg sync.WaitGroup
	var outMu sync.Mutex
	for _, req := range result.Requests {
		if req.Status != batch.StatusCompleted {
			out.FetchFailed++
			p.channels.SendError(ctx, channel.FailedRequest{
				Symbol:    req.Symbol,
				Timeframe: req.Timeframe,
				Reason:    req.Err,
			})
			continue
		}

		wg.Add(1)
		go func(req *batch.BatchRequest) {
			defer wg.Done()
			accepted := p.validateAndEmit(ctx, req)
			outMu.Lock()
			if accepted {
				out.Accepted++
			} else {
				out.Rejected++
			}
			outMu.Unlock()
		}(req)
	}
	wg.Wait()

	p.optimizer.Clear(batchID)
	out.Elapsed = time.Since(start)

	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"batch_id":     out.BatchID,
		"requested":    out.Requested,
		"accepted":     out.Accepted,
		"rejected":     out.Rejected,
		"fetch_failed": out.FetchFailed,
		"elapsed_ms":   out.Elapsed.Milliseconds(),
	}).Info("download complete")

	return out, nil
}

// validateAndEmit scores one fetched series and routes it. Validators are
// stateless, so many of these run in parallel safely.
func (p *Pipeline) validateAndEmit(ctx context.Context, req *batch.BatchRequest) bool {
	var (
		report *models.ValidationReport
		fp     *models.IntegrityFingerprint
		err    error
	)
	if p.consensus != nil {
		report, fp, err = p.consensus.ValidateWithConsensus(ctx, req.Symbol, req.Timeframe, req.Bars)
	} else {
		report, err = p.quality.Validate(req.Symbol, req.Timeframe, req.Bars)
	}
	if err != nil {
		p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{
			"symbol": req.Symbol,
		}).Error("validation failed")
		p.channels.SendError(ctx, channel.FailedRequest{
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			Reason:    err.Error(),
		})
		return false
	}

	if !report.Passed {
		p.channels.SendError(ctx, channel.FailedRequest{
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			Reason:    fmt.Sprintf("quality gate: score %.2f below %.2f", report.QualityScore, p.quality.MinQualityScore()),
			Score:     report.QualityScore,
		})
		return false
	}

	validated := models.ValidatedBatch{
		Symbol:     req.Symbol,
		Timeframe:  req.Timeframe,
		Bars:       req.Bars,
		Report:     *report,
		ProducedAt: time.Now(),
	}
	if fp != nil {
		validated.Fingerprint = *fp
	}
	return p.channels.SendValidated(ctx, validated)
}

// Stats snapshots every component.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Scheduler: p.limiter.Stats(),
		Optimizer: p.optimizer.OptimizerStats(),
		Channels:  p.channels.GetStats(),
	}
	if p.consensus != nil {
		s.ChainLen = p.consensus.Chain().Len()
	}
	return s
}

// Chain exposes the fingerprint chain, or nil when consensus is disabled.
func (p *Pipeline) Chain() *validate.FingerprintChain {
	if p.consensus == nil {
		return nil
	}
	return p.consensus.Chain()
}

// RateInfo reports current admission state for one request type.
func (p *Pipeline) RateInfo(rt models.RequestType) ratelimit.RateInfo {
	return p.limiter.Info(rt)
}
