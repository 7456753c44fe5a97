package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "barflow/config"
	"barflow/internal/ratelimit"
	"barflow/models"
)

// syncScheduler runs submitted work inline, recording submission order.
type syncScheduler struct {
	mu     sync.Mutex
	order  []models.Priority
	delay  time.Duration
	nextID int
}

func (s *syncScheduler) Submit(ctx context.Context, rt models.RequestType, priority models.Priority, work models.Work) (string, error) {
	s.mu.Lock()
	s.order = append(s.order, priority)
	s.nextID++
	id := fmt.Sprintf("req-%d", s.nextID)
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	result, err := work.Execute(ctx)
	if n, ok := work.(models.CompletionNotifier); ok {
		n.Completed(result, err)
	}
	return id, nil
}

func testOptimizer(scheduler Scheduler) *Optimizer {
	cfg := &appconfig.Config{}
	cfg.Batch.SequentialPause = 100 * time.Millisecond
	cfg.Batch.SymbolGroupPause = 10 * time.Millisecond
	cfg.Batch.TimeframePause = 10 * time.Millisecond
	cfg.Batch.PriorityPause = 5 * time.Millisecond
	return NewOptimizer(cfg, scheduler)
}

func okFetch(ctx context.Context, symbol, duration string, tf models.Timeframe) ([]models.Bar, error) {
	return []models.Bar{{Symbol: symbol}}, nil
}

func TestCreateMultiSymbolBatch(t *testing.T) {
	o := testOptimizer(&syncScheduler{})
	spec := TimeframeSpec{Duration: "1 D", Timeframe: models.Timeframe1Min}

	id := o.CreateMultiSymbolBatch([]string{"AAPL", "MSFT", "GOOGL"}, spec, "", models.PriorityHigh)
	if id == "" {
		t.Fatal("expected non-empty batch id")
	}

	status, err := o.BatchStatus(id)
	if err != nil {
		t.Fatalf("BatchStatus: %v", err)
	}
	if status.Total != 3 {
		t.Fatalf("expected 3 requests, got %d", status.Total)
	}
	if status.Breakdown[StatusPending] != 3 {
		t.Fatalf("expected all requests pending, got %v", status.Breakdown)
	}
}

func TestCreateComprehensiveBatchPriorityMap(t *testing.T) {
	o := testOptimizer(&syncScheduler{})
	specs := []TimeframeSpec{
		{Duration: "1 D", Timeframe: models.Timeframe1Min},
		{Duration: "1 W", Timeframe: models.TimeframeDaily},
	}
	id := o.CreateComprehensiveBatch(
		[]string{"AAPL", "XYZ"}, specs, "sweep",
		map[string]models.Priority{"AAPL": models.PriorityCritical},
	)

	o.mu.RLock()
	b := o.batches[id]
	o.mu.RUnlock()

	if len(b.requests) != 4 {
		t.Fatalf("expected 2x2 requests, got %d", len(b.requests))
	}
	for _, req := range b.requests {
		want := models.PriorityNormal
		if req.Symbol == "AAPL" {
			want = models.PriorityCritical
		}
		if req.Priority != want {
			t.Errorf("%s %s: priority = %v, want %v", req.Symbol, req.Timeframe, req.Priority, want)
		}
	}
}

func TestExecuteUnknownBatch(t *testing.T) {
	o := testOptimizer(&syncScheduler{})
	_, err := o.Execute(context.Background(), "no-such-batch", StrategySequential, okFetch)
	if !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
	if _, err := o.BatchStatus("no-such-batch"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound from BatchStatus, got %v", err)
	}
}

func TestExecuteSequentialPacing(t *testing.T) {
	o := testOptimizer(&syncScheduler{})
	spec := TimeframeSpec{Duration: "1 D", Timeframe: models.Timeframe1Min}
	id := o.CreateMultiSymbolBatch([]string{"A", "B", "C", "D", "E"}, spec, "pacing", models.PriorityNormal)

	result, err := o.Execute(context.Background(), id, StrategySequential, okFetch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Completed+result.Failed != 5 {
		t.Fatalf("expected 5 terminal requests, got %d completed %d failed", result.Completed, result.Failed)
	}
	if result.Completed != 5 {
		t.Fatalf("expected all completed, got %d", result.Completed)
	}
	// Four inter-request pauses at 100ms each.
	if result.ExecutionTime < 400*time.Millisecond {
		t.Fatalf("sequential execution too fast: %v", result.ExecutionTime)
	}
	if result.SuccessRate != 100 {
		t.Fatalf("expected 100%% success rate, got %.1f", result.SuccessRate)
	}
}

func TestExecuteRecordsFailures(t *testing.T) {
	o := testOptimizer(&syncScheduler{})
	o.sleep = func(time.Duration) {}
	spec := TimeframeSpec{Duration: "1 D", Timeframe: models.Timeframe1Min}
	id := o.CreateMultiSymbolBatch([]string{"AAPL", "BROKEN", "MSFT"}, spec, "", models.PriorityNormal)

	fetchFn := func(ctx context.Context, symbol, duration string, tf models.Timeframe) ([]models.Bar, error) {
		if symbol == "BROKEN" {
			return nil, fmt.Errorf("no data for %s", symbol)
		}
		return okFetch(ctx, symbol, duration, tf)
	}

	result, err := o.Execute(context.Background(), id, StrategySequential, fetchFn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Completed != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 completed / 1 failed, got %d / %d", result.Completed, result.Failed)
	}

	var failed *BatchRequest
	for _, req := range result.Requests {
		if req.Status == StatusFailed {
			failed = req
		}
	}
	if failed == nil || failed.Symbol != "BROKEN" {
		t.Fatalf("expected BROKEN request marked failed, got %+v", failed)
	}
	if failed.Err == "" {
		t.Fatal("expected failure reason recorded")
	}

	status, _ := o.BatchStatus(id)
	if status.CompletionPct < 66 || status.CompletionPct > 67 {
		t.Fatalf("completion pct = %.2f, want ~66.67", status.CompletionPct)
	}
}

func TestExecuteMixedRunsUrgentFirst(t *testing.T) {
	sched := &syncScheduler{}
	o := testOptimizer(sched)
	o.sleep = func(time.Duration) {}

	spec := TimeframeSpec{Duration: "1 D", Timeframe: models.Timeframe1Min}
	id := o.CreateComprehensiveBatch(
		[]string{"LOW1", "URGENT", "LOW2"},
		[]TimeframeSpec{spec},
		"mixed",
		map[string]models.Priority{
			"URGENT": models.PriorityCritical,
			"LOW1":   models.PriorityLow,
			"LOW2":   models.PriorityLow,
		},
	)

	if _, err := o.Execute(context.Background(), id, StrategyMixed, okFetch); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(sched.order) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(sched.order))
	}
	if sched.order[0] != models.PriorityCritical {
		t.Fatalf("expected critical request submitted first, got %v", sched.order[0])
	}
}

func TestExecuteParallelSymbolGroups(t *testing.T) {
	o := testOptimizer(&syncScheduler{})
	pauses := 0
	o.sleep = func(time.Duration) { pauses++ }

	specs := []TimeframeSpec{
		{Duration: "1 D", Timeframe: models.Timeframe1Min},
		{Duration: "1 W", Timeframe: models.TimeframeDaily},
	}
	id := o.CreateComprehensiveBatch([]string{"AAPL", "MSFT"}, specs, "", nil)

	result, err := o.Execute(context.Background(), id, StrategyParallelSymbol, okFetch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Completed != 4 {
		t.Fatalf("expected 4 completed, got %d", result.Completed)
	}
	// Two symbol groups, one pause between them.
	if pauses != 1 {
		t.Fatalf("expected 1 inter-group pause, got %d", pauses)
	}
}

func TestClearAndStats(t *testing.T) {
	o := testOptimizer(&syncScheduler{})
	o.sleep = func(time.Duration) {}
	spec := TimeframeSpec{Duration: "1 D", Timeframe: models.Timeframe1Min}

	id := o.CreateMultiSymbolBatch([]string{"AAPL", "MSFT"}, spec, "", models.PriorityNormal)
	if _, err := o.Execute(context.Background(), id, StrategySequential, okFetch); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	stats := o.OptimizerStats()
	if stats.TotalRequests != 2 || stats.CompletedRequests != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.BatchesProcessed != 1 {
		t.Fatalf("expected 1 batch processed, got %d", stats.BatchesProcessed)
	}
	if stats.AvgBatchSeconds <= 0 {
		t.Fatalf("expected positive average batch duration, got %f", stats.AvgBatchSeconds)
	}
	if stats.SuccessRate != 100 {
		t.Fatalf("expected 100%% success rate, got %.1f", stats.SuccessRate)
	}
	if stats.ActiveBatches != 1 {
		t.Fatalf("expected 1 active batch, got %d", stats.ActiveBatches)
	}

	o.Clear(id)
	if _, err := o.BatchStatus(id); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("expected cleared batch to be gone, got %v", err)
	}
	if o.OptimizerStats().ActiveBatches != 0 {
		t.Fatal("expected no active batches after clear")
	}
}

func TestExecuteSurvivesPanickingFetch(t *testing.T) {
	cfg := &appconfig.Config{
		Scheduler: appconfig.SchedulerConfig{
			RateLimits: map[string]appconfig.RateLimitPolicy{
				string(models.RequestHistoricalData): {
					MaxRatePerSecond: 100,
					BurstAllowance:   1000,
					Cooldown:         time.Second,
					MaxRetries:       1,
				},
			},
		},
	}
	limiter := ratelimit.NewLimiter(cfg)
	limiter.Start(context.Background())
	defer limiter.Stop()

	o := testOptimizer(limiter)
	o.sleep = func(time.Duration) {}
	spec := TimeframeSpec{Duration: "1 D", Timeframe: models.Timeframe1Min}
	id := o.CreateMultiSymbolBatch([]string{"AAPL", "BOOM"}, spec, "", models.PriorityNormal)

	fetchFn := func(ctx context.Context, symbol, duration string, tf models.Timeframe) ([]models.Bar, error) {
		if symbol == "BOOM" {
			panic("upstream client blew up")
		}
		return okFetch(ctx, symbol, duration, tf)
	}

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := o.Execute(context.Background(), id, StrategySequential, fetchFn)
		done <- outcome{result: result, err: err}
	}()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after a panicking fetch")
	}
	if got.err != nil {
		t.Fatalf("Execute: %v", got.err)
	}
	if got.result.Completed != 1 || got.result.Failed != 1 {
		t.Fatalf("expected 1 completed / 1 failed, got %d / %d", got.result.Completed, got.result.Failed)
	}

	var failed *BatchRequest
	for _, req := range got.result.Requests {
		if req.Status == StatusFailed {
			failed = req
		}
	}
	if failed == nil || failed.Symbol != "BOOM" {
		t.Fatalf("expected BOOM request marked failed, got %+v", failed)
	}
	if !strings.Contains(failed.Err, "panicked") {
		t.Fatalf("failure reason should mention the panic, got %q", failed.Err)
	}
}

func TestCancelledBatchReachesTerminalState(t *testing.T) {
	cfg := &appconfig.Config{
		Scheduler: appconfig.SchedulerConfig{
			RateLimits: map[string]appconfig.RateLimitPolicy{
				string(models.RequestHistoricalData): {
					MaxRatePerSecond: 10,
					BurstAllowance:   1,
					Cooldown:         200 * time.Millisecond,
					MaxRetries:       0,
				},
			},
		},
	}
	limiter := ratelimit.NewLimiter(cfg)
	limiter.Start(context.Background())
	defer limiter.Stop()

	o := testOptimizer(limiter)
	o.sleep = func(time.Duration) {}
	spec := TimeframeSpec{Duration: "1 D", Timeframe: models.Timeframe1Min}
	id := o.CreateMultiSymbolBatch([]string{"A", "B", "C"}, spec, "", models.PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	blockingFetch := func(fctx context.Context, symbol, duration string, tf models.Timeframe) ([]models.Bar, error) {
		<-fctx.Done()
		return nil, fctx.Err()
	}

	go func() {
		o.Execute(ctx, id, StrategySequential, blockingFetch) //nolint:errcheck
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	// Every request must still land in a terminal state: the in-flight
	// fetch fails, the queued ones are skipped by the scheduler.
	deadline := time.After(5 * time.Second)
	for {
		status, err := o.BatchStatus(id)
		if err != nil {
			t.Fatalf("BatchStatus: %v", err)
		}
		if status.Breakdown[StatusFailed] == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("requests never reached terminal state: %v", status.Breakdown)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	o := testOptimizer(&syncScheduler{})
	spec := TimeframeSpec{Duration: "1 D", Timeframe: models.Timeframe1Min}
	id := o.CreateMultiSymbolBatch([]string{"AAPL"}, spec, "", models.PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Execute(ctx, id, StrategySequential, okFetch); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
