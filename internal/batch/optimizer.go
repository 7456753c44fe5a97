package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "barflow/config"
	"barflow/internal/fetch"
	"barflow/logger"
	"barflow/models"
)

// Strategy selects how a batch's requests are pushed through the scheduler.
type Strategy string

const (
	// StrategySequential submits one request at a time with a short pause.
	// Lowest throughput, safest against quota exhaustion.
	StrategySequential Strategy = "sequential"
	// StrategyParallelSymbol groups by symbol and pauses between groups.
	StrategyParallelSymbol Strategy = "parallel_symbol"
	// StrategyParallelTimeframe groups by timeframe with a longer pause,
	// since the historical-data quota is the tightest.
	StrategyParallelTimeframe Strategy = "parallel_timeframe"
	// StrategyMixed runs Critical/High requests sequentially first, then
	// the rest under the parallel-by-timeframe strategy.
	StrategyMixed Strategy = "mixed"
)

// Request status values.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrBatchNotFound is returned when an operation references an unknown
// batch id.
var ErrBatchNotFound = fmt.Errorf("batch not found")

// TimeframeSpec pairs a lookback duration with a bar size.
type TimeframeSpec struct {
	Duration  string
	Timeframe models.Timeframe
}

// BatchRequest is one atomic fetch inside a batch. A request belongs to
// exactly one batch for its whole life.
type BatchRequest struct {
	Symbol    string
	Duration  string
	Timeframe models.Timeframe
	Priority  models.Priority

	RequestID   string
	Status      string
	Bars        []models.Bar
	Err         string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Batch is a named, ordered collection of requests sharing a logical origin.
type Batch struct {
	ID        string
	Name      string
	CreatedAt time.Time

	mu       sync.Mutex
	requests []*BatchRequest
}

// Result summarizes one batch execution.
type Result struct {
	BatchID           string          `json:"batch_id"`
	Strategy          Strategy        `json:"strategy"`
	Total             int             `json:"total_requests"`
	Completed         int             `json:"completed"`
	Failed            int             `json:"failed"`
	SuccessRate       float64         `json:"success_rate"`
	RequestsPerMinute float64         `json:"requests_per_minute"`
	ExecutionTime     time.Duration   `json:"execution_time"`
	Requests          []*BatchRequest `json:"-"`
}

// Status reports per-state counts for a batch.
type Status struct {
	BatchID       string         `json:"batch_id"`
	Total         int            `json:"total_requests"`
	Breakdown     map[string]int `json:"status_breakdown"`
	CompletionPct float64        `json:"completion_percentage"`
}

// Stats aggregates optimizer activity across batches. AvgBatchSeconds is an
// exponential moving average (alpha 0.2).
type Stats struct {
	TotalRequests     int64   `json:"total_requests"`
	CompletedRequests int64   `json:"completed_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	BatchesProcessed  int64   `json:"batches_processed"`
	ActiveBatches     int     `json:"active_batches"`
	AvgBatchSeconds   float64 `json:"average_batch_seconds"`
	SuccessRate       float64 `json:"overall_success_rate"`
}

// Scheduler is the slice of the rate limiter the optimizer needs. Every
// request goes through Submit; the optimizer never bypasses admission
// control.
type Scheduler interface {
	Submit(ctx context.Context, rt models.RequestType, priority models.Priority, work models.Work) (string, error)
}

// Optimizer expands logical multi-symbol/multi-timeframe intents into
// scheduled requests and drives them through an execution strategy.
type Optimizer struct {
	scheduler Scheduler
	log       *logger.Log

	sequentialPause  time.Duration
	symbolGroupPause time.Duration
	timeframePause   time.Duration
	priorityPause    time.Duration

	mu      sync.RWMutex
	batches map[string]*Batch
	stats   Stats

	sleep func(d time.Duration)
}

// NewOptimizer wires the optimizer to a scheduler. Pause durations come
// from config with the documented defaults as fallback.
func NewOptimizer(cfg *appconfig.Config, scheduler Scheduler) *Optimizer {
	o := &Optimizer{
		scheduler:        scheduler,
		log:              logger.GetLogger(),
		sequentialPause:  cfg.Batch.SequentialPause,
		symbolGroupPause: cfg.Batch.SymbolGroupPause,
		timeframePause:   cfg.Batch.TimeframePause,
		priorityPause:    cfg.Batch.PriorityPause,
		batches:          make(map[string]*Batch),
		sleep:            time.Sleep,
	}
	if o.sequentialPause <= 0 {
		o.sequentialPause = 100 * time.Millisecond
	}
	if o.symbolGroupPause <= 0 {
		o.symbolGroupPause = 500 * time.Millisecond
	}
	if o.timeframePause <= 0 {
		o.timeframePause = 2 * time.Second
	}
	if o.priorityPause <= 0 {
		o.priorityPause = 200 * time.Millisecond
	}

	o.log.WithComponent("batch_optimizer").Info("batch optimizer initialized")
	return o
}

// CreateMultiSymbolBatch builds a batch covering many symbols at one
// timeframe and returns the batch id.
func (o *Optimizer) CreateMultiSymbolBatch(symbols []string, spec TimeframeSpec, name string, priority models.Priority) string {
	requests := make([]*BatchRequest, 0, len(symbols))
	for _, symbol := range symbols {
		requests = append(requests, newBatchRequest(symbol, spec, priority))
	}

	id := o.register(name, fmt.Sprintf("multi_symbol_%s", spec.Timeframe), requests)
	o.log.WithComponent("batch_optimizer").WithFields(logger.Fields{
		"batch_id":  id,
		"symbols":   len(symbols),
		"timeframe": spec.Timeframe,
	}).Info("created multi-symbol batch")
	return id
}

// CreateMultiTimeframeBatch builds a batch covering one symbol at many
// timeframes.
func (o *Optimizer) CreateMultiTimeframeBatch(symbol string, specs []TimeframeSpec, name string, priority models.Priority) string {
	requests := make([]*BatchRequest, 0, len(specs))
	for _, spec := range specs {
		requests = append(requests, newBatchRequest(symbol, spec, priority))
	}

	id := o.register(name, fmt.Sprintf("multi_timeframe_%s", symbol), requests)
	o.log.WithComponent("batch_optimizer").WithFields(logger.Fields{
		"batch_id":   id,
		"symbol":     symbol,
		"timeframes": len(specs),
	}).Info("created multi-timeframe batch")
	return id
}

// CreateComprehensiveBatch builds the cross product of symbols and
// timeframes. priorityMap overrides the default priority per symbol.
func (o *Optimizer) CreateComprehensiveBatch(symbols []string, specs []TimeframeSpec, name string, priorityMap map[string]models.Priority) string {
	requests := make([]*BatchRequest, 0, len(symbols)*len(specs))
	for _, symbol := range symbols {
		priority := models.PriorityNormal
		if p, ok := priorityMap[symbol]; ok {
			priority = p
		}
		for _, spec := range specs {
			requests = append(requests, newBatchRequest(symbol, spec, priority))
		}
	}

	id := o.register(name, fmt.Sprintf("comprehensive_%dx%d", len(symbols), len(specs)), requests)
	o.log.WithComponent("batch_optimizer").WithFields(logger.Fields{
		"batch_id": id,
		"requests": len(requests),
	}).Info("created comprehensive batch")
	return id
}

func newBatchRequest(symbol string, spec TimeframeSpec, priority models.Priority) *BatchRequest {
	return &BatchRequest{
		Symbol:    symbol,
		Duration:  spec.Duration,
		Timeframe: spec.Timeframe,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

func (o *Optimizer) register(name, fallback string, requests []*BatchRequest) string {
	if name == "" {
		name = fallback
	}
	b := &Batch{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
		requests:  requests,
	}

	o.mu.Lock()
	o.batches[b.ID] = b
	o.stats.TotalRequests += int64(len(requests))
	o.mu.Unlock()
	return b.ID
}

// Execute drives the batch through the chosen strategy and blocks until
// every request reached a terminal state or ctx is cancelled.
func (o *Optimizer) Execute(ctx context.Context, batchID string, strategy Strategy, fetchFn fetch.Func) (Result, error) {
	o.mu.RLock()
	b, ok := o.batches[batchID]
	o.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: '%s'", ErrBatchNotFound, batchID)
	}
	if fetchFn == nil {
		return Result{}, fmt.Errorf("fetch function must not be nil")
	}

	log := o.log.WithComponent("batch_optimizer").WithFields(logger.Fields{
		"batch_id": batchID,
		"name":     b.Name,
		"strategy": strategy,
		"requests": len(b.requests),
	})
	log.Info("executing batch")

	start := time.Now()
	var wg sync.WaitGroup

	var err error
	switch strategy {
	case StrategySequential:
		err = o.executeSequential(ctx, b, b.requests, fetchFn, &wg, o.sequentialPause)
	case StrategyParallelSymbol:
		err = o.executeGrouped(ctx, b, groupBySymbol(b.requests), fetchFn, &wg, o.symbolGroupPause)
	case StrategyParallelTimeframe:
		err = o.executeGrouped(ctx, b, groupByTimeframe(b.requests), fetchFn, &wg, o.timeframePause)
	case StrategyMixed:
		err = o.executeMixed(ctx, b, fetchFn, &wg)
	default:
		return Result{}, fmt.Errorf("unknown strategy '%s'", strategy)
	}
	if err != nil {
		return Result{}, err
	}

	if err := waitCtx(ctx, &wg); err != nil {
		return Result{}, fmt.Errorf("batch '%s' execution interrupted: %w", batchID, err)
	}

	elapsed := time.Since(start)
	result := o.summarize(b, strategy, elapsed)

	log.WithFields(logger.Fields{
		"completed":  result.Completed,
		"failed":     result.Failed,
		"elapsed_ms": elapsed.Milliseconds(),
	}).Info("batch execution finished")

	return result, nil
}

func (o *Optimizer) executeSequential(ctx context.Context, b *Batch, requests []*BatchRequest, fetchFn fetch.Func, wg *sync.WaitGroup, pause time.Duration) error {
	for i, req := range requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.submitOne(ctx, b, req, fetchFn, wg)
		if i < len(requests)-1 {
			o.sleep(pause)
		}
	}
	return nil
}

func (o *Optimizer) executeGrouped(ctx context.Context, b *Batch, groups [][]*BatchRequest, fetchFn fetch.Func, wg *sync.WaitGroup, pause time.Duration) error {
	for i, group := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, req := range group {
			o.submitOne(ctx, b, req, fetchFn, wg)
		}
		if i < len(groups)-1 {
			o.sleep(pause)
		}
	}
	return nil
}

func (o *Optimizer) executeMixed(ctx context.Context, b *Batch, fetchFn fetch.Func, wg *sync.WaitGroup) error {
	urgent := make([]*BatchRequest, 0, len(b.requests))
	rest := make([]*BatchRequest, 0, len(b.requests))
	for _, req := range b.requests {
		if req.Priority <= models.PriorityHigh {
			urgent = append(urgent, req)
		} else {
			rest = append(rest, req)
		}
	}
	sort.SliceStable(urgent, func(i, j int) bool { return urgent[i].Priority < urgent[j].Priority })

	if err := o.executeSequential(ctx, b, urgent, fetchFn, wg, o.priorityPause); err != nil {
		return err
	}
	return o.executeGrouped(ctx, b, groupByTimeframe(rest), fetchFn, wg, o.timeframePause)
}

// batchWork adapts one batch request into scheduler work. Terminal
// outcomes arrive through Completed, which also covers fetches that
// panic and requests the scheduler skips after cancellation; Execute may
// run several times when the scheduler retries a transient failure.
type batchWork struct {
	batch *Batch
	req   *BatchRequest
	fetch fetch.Func
	wg    *sync.WaitGroup
}

func (w *batchWork) Execute(ctx context.Context) (interface{}, error) {
	bars, err := w.fetch(ctx, w.req.Symbol, w.req.Duration, w.req.Timeframe)
	if err != nil {
		return nil, err
	}
	return bars, nil
}

// Completed implements models.CompletionNotifier. The scheduler calls it
// exactly once per request, so this is the only place the batch
// WaitGroup is released.
func (w *batchWork) Completed(result interface{}, err error) {
	w.batch.mu.Lock()
	w.req.CompletedAt = time.Now()
	if err != nil {
		w.req.Status = StatusFailed
		w.req.Err = err.Error()
	} else {
		w.req.Status = StatusCompleted
		if bars, ok := result.([]models.Bar); ok {
			w.req.Bars = bars
		}
	}
	w.batch.mu.Unlock()

	w.wg.Done()
}

// submitOne hands a single request to the scheduler. The request's
// terminal state is recorded by the work's Completed hook on the
// scheduler worker.
func (o *Optimizer) submitOne(ctx context.Context, b *Batch, req *BatchRequest, fetchFn fetch.Func, wg *sync.WaitGroup) {
	wg.Add(1)

	work := &batchWork{batch: b, req: req, fetch: fetchFn, wg: wg}
	id, err := o.scheduler.Submit(ctx, models.RequestHistoricalData, req.Priority, work)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		req.Status = StatusFailed
		req.Err = err.Error()
		req.CompletedAt = time.Now()
		wg.Done()
		return
	}
	req.RequestID = id
	// The scheduler may have already run the work inline; only move
	// pending requests to queued.
	if req.Status == StatusPending {
		req.Status = StatusQueued
	}
}

func (o *Optimizer) summarize(b *Batch, strategy Strategy, elapsed time.Duration) Result {
	b.mu.Lock()
	completed, failed := 0, 0
	requests := make([]*BatchRequest, len(b.requests))
	copy(requests, b.requests)
	for _, req := range b.requests {
		switch req.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		}
	}
	b.mu.Unlock()

	total := len(requests)
	result := Result{
		BatchID:       b.ID,
		Strategy:      strategy,
		Total:         total,
		Completed:     completed,
		Failed:        failed,
		ExecutionTime: elapsed,
		Requests:      requests,
	}
	if total > 0 {
		result.SuccessRate = float64(completed) / float64(total) * 100
	}
	if elapsed > 0 {
		result.RequestsPerMinute = float64(completed) / elapsed.Minutes()
	}

	o.mu.Lock()
	o.stats.CompletedRequests += int64(completed)
	o.stats.FailedRequests += int64(failed)
	o.stats.BatchesProcessed++
	o.updateAvgBatchSeconds(elapsed.Seconds())
	o.mu.Unlock()

	return result
}

func (o *Optimizer) updateAvgBatchSeconds(seconds float64) {
	const alpha = 0.2
	if o.stats.AvgBatchSeconds == 0 {
		o.stats.AvgBatchSeconds = seconds
		return
	}
	o.stats.AvgBatchSeconds = alpha*seconds + (1-alpha)*o.stats.AvgBatchSeconds
}

// BatchStatus reports the per-state request counts for a batch.
func (o *Optimizer) BatchStatus(batchID string) (Status, error) {
	o.mu.RLock()
	b, ok := o.batches[batchID]
	o.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: '%s'", ErrBatchNotFound, batchID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	breakdown := make(map[string]int)
	for _, req := range b.requests {
		breakdown[req.Status]++
	}
	status := Status{
		BatchID:   batchID,
		Total:     len(b.requests),
		Breakdown: breakdown,
	}
	if status.Total > 0 {
		status.CompletionPct = float64(breakdown[StatusCompleted]) / float64(status.Total) * 100
	}
	return status, nil
}

// Clear releases a batch from memory.
func (o *Optimizer) Clear(batchID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.batches[batchID]; ok {
		delete(o.batches, batchID)
		o.log.WithComponent("batch_optimizer").WithFields(logger.Fields{"batch_id": batchID}).Info("cleared batch")
	}
}

// OptimizerStats returns a snapshot of cross-batch statistics.
func (o *Optimizer) OptimizerStats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snapshot := o.stats
	snapshot.ActiveBatches = len(o.batches)
	if snapshot.TotalRequests > 0 {
		snapshot.SuccessRate = float64(snapshot.CompletedRequests) / float64(snapshot.TotalRequests) * 100
	}
	return snapshot
}

func groupBySymbol(requests []*BatchRequest) [][]*BatchRequest {
	return groupBy(requests, func(r *BatchRequest) string { return r.Symbol })
}

func groupByTimeframe(requests []*BatchRequest) [][]*BatchRequest {
	return groupBy(requests, func(r *BatchRequest) string {
		return fmt.Sprintf("%s_%s", r.Timeframe, r.Duration)
	})
}

// groupBy preserves first-seen group order so execution stays deterministic.
func groupBy(requests []*BatchRequest, key func(*BatchRequest) string) [][]*BatchRequest {
	index := make(map[string]int)
	groups := make([][]*BatchRequest, 0)
	for _, req := range requests {
		k := key(req)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], req)
	}
	return groups
}

func waitCtx(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
