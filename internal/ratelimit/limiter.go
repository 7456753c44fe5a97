package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	appconfig "barflow/config"
	"barflow/logger"
	"barflow/models"
)

// minSuggestedWait keeps the worker from hammering the gate when the
// computed wait rounds down to nothing.
const minSuggestedWait = 100 * time.Millisecond

// historyWindow bounds how much admission history is retained per type.
const historyWindow = 60 * time.Second

// transientErr is the contract upstream errors use to mark themselves as
// retryable. Anything that does not implement it is treated as permanent.
type transientErr interface {
	Transient() bool
}

func isTransient(err error) bool {
	var te transientErr
	if errors.As(err, &te) {
		return te.Transient()
	}
	return false
}

// notifyDone delivers the terminal outcome to work that asked for it.
// Every path that moves a request to StateDone must call it exactly once.
func notifyDone(req *models.ScheduledRequest, result interface{}, err error) {
	if n, ok := req.Work.(models.CompletionNotifier); ok {
		n.Completed(result, err)
	}
}

// Stats is a point-in-time snapshot of scheduler counters.
type Stats struct {
	Total       int64   `json:"total_requests"`
	Successful  int64   `json:"successful_requests"`
	Failed      int64   `json:"failed_requests"`
	Retried     int64   `json:"retried_requests"`
	RateLimited int64   `json:"rate_limited_requests"`
	Skipped     int64   `json:"skipped_requests"`
	AvgWait     float64 `json:"average_wait_seconds"`
	QueueSize   int     `json:"queue_size"`
}

// RateInfo describes the current admission state for one request type.
type RateInfo struct {
	RequestType    models.RequestType `json:"request_type"`
	CanAdmit       bool               `json:"can_admit"`
	SuggestedWait  time.Duration      `json:"suggested_wait"`
	RecentRequests int                `json:"recent_requests"`
	Policy         appconfig.RateLimitPolicy
}

// Limiter is the admission-controlled request scheduler. A single worker
// goroutine drains the priority queue; each pop is checked against the
// per-type sliding-window gates before its work executes. Callers only ever
// touch the queue through Submit, so the admission history needs no locking
// beyond the queue mutex.
type Limiter struct {
	policies map[models.RequestType]appconfig.RateLimitPolicy
	log      *logger.Log

	mu      sync.Mutex
	queue   *requestQueue
	history map[models.RequestType][]time.Time
	stats   Stats
	wake    chan struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	backoff *backoff.Backoff
	now     func() time.Time
	// sleep is swapped out in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration)
}

// NewLimiter builds a limiter from the scheduler configuration. Request
// types missing from the config fall back to broker defaults.
func NewLimiter(cfg *appconfig.Config) *Limiter {
	policies := make(map[models.RequestType]appconfig.RateLimitPolicy, len(models.RequestTypes))
	for _, rt := range models.RequestTypes {
		policies[rt] = cfg.Scheduler.Policy(rt)
	}

	l := &Limiter{
		policies: policies,
		log:      logger.GetLogger(),
		queue:    newRequestQueue(),
		history:  make(map[models.RequestType][]time.Time, len(policies)),
		wake:     make(chan struct{}, 1),
		backoff: &backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
		},
		now:   time.Now,
		sleep: sleepCtx,
	}

	l.log.WithComponent("scheduler").WithFields(logger.Fields{
		"historical_rate": policies[models.RequestHistoricalData].MaxRatePerSecond,
		"request_types":   len(policies),
	}).Info("rate limiter initialized")

	return l
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Submit queues a unit of work and returns its request id. It never blocks:
// the queue is unbounded and the worker picks the item up asynchronously.
// Unknown request types fail fast here rather than inside the worker.
func (l *Limiter) Submit(ctx context.Context, rt models.RequestType, priority models.Priority, work models.Work) (string, error) {
	if !rt.Valid() {
		return "", fmt.Errorf("unknown request type '%s'", rt)
	}
	if work == nil {
		return "", fmt.Errorf("work must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req := &models.ScheduledRequest{
		ID:        uuid.NewString(),
		Type:      rt,
		Priority:  priority,
		Work:      work,
		Ctx:       ctx,
		State:     models.StateQueued,
		CreatedAt: l.now(),
	}

	l.mu.Lock()
	l.queue.push(req)
	l.mu.Unlock()
	l.signal()

	l.log.WithComponent("scheduler").WithFields(logger.Fields{
		"request_id": req.ID,
		"type":       rt,
		"priority":   priority.String(),
	}).Debug("request queued")

	return req.ID, nil
}

// Start launches the worker goroutine. Calling Start on a running limiter
// is a no-op.
func (l *Limiter) Start(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		l.log.WithComponent("scheduler").Warn("worker already running")
		return
	}
	l.running = true

	workerCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(workerCtx)

	l.log.WithComponent("scheduler").Info("worker started")
}

// Stop halts the worker and waits for it to drain the in-flight item.
// Stopping a stopped limiter is a no-op.
func (l *Limiter) Stop() {
	l.runMu.Lock()
	if !l.running {
		l.runMu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.runMu.Unlock()

	l.wg.Wait()
	l.log.WithComponent("scheduler").Info("worker stopped")
}

func (l *Limiter) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Limiter) run(ctx context.Context) {
	defer l.wg.Done()

	log := l.log.WithComponent("scheduler").WithFields(logger.Fields{"worker": "admission"})
	log.Info("admission worker loop started")

	// The worker only exits on cancellation; whatever is still queued at
	// that point would otherwise leave its submitters blocked forever.
	defer func() { l.drainPending(ctx.Err(), log) }()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		default:
		}

		l.mu.Lock()
		nextReady := l.queue.promote(l.now())
		item := l.queue.pop()
		l.mu.Unlock()

		if item == nil {
			idle := nextReady
			if idle <= 0 {
				idle = time.Second
			}
			timer := time.NewTimer(idle)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-l.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		req := item.req

		// Cancellation is checked before admission so a cancelled request
		// neither consumes quota nor counts as a failure.
		if err := req.Ctx.Err(); err != nil {
			l.finish(req, models.StateDone)
			l.mu.Lock()
			l.stats.Skipped++
			l.mu.Unlock()
			notifyDone(req, nil, err)
			log.WithFields(logger.Fields{"request_id": req.ID}).Debug("skipping cancelled request")
			continue
		}

		admitted, wait := l.admit(req.Type)
		if !admitted {
			l.mu.Lock()
			l.queue.requeue(item)
			l.stats.RateLimited++
			l.mu.Unlock()
			log.WithFields(logger.Fields{
				"request_id": req.ID,
				"type":       req.Type,
				"wait":       wait.String(),
			}).Debug("rate limited, backing off")
			l.sleep(ctx, wait)
			continue
		}

		l.execute(ctx, item, log)
	}
}

// admit applies both gates for the request type and, when both pass,
// records the admission timestamp. Returns the suggested wait otherwise.
func (l *Limiter) admit(rt models.RequestType) (bool, time.Duration) {
	policy := l.policies[rt]
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	history := pruneBefore(l.history[rt], now.Add(-historyWindow))

	// Sustained-rate gate: admissions within the trailing second.
	oneSecAgo := now.Add(-time.Second)
	recent := countAfter(history, oneSecAgo)
	if float64(recent) >= policy.MaxRatePerSecond {
		oldest := oldestAfter(history, oneSecAgo)
		wait := time.Second - now.Sub(oldest)
		l.history[rt] = history
		return false, clampWait(wait)
	}

	// Burst gate: admissions within the cooldown window.
	burstStart := now.Add(-policy.Cooldown)
	burst := countAfter(history, burstStart)
	if burst >= policy.BurstAllowance {
		oldest := oldestAfter(history, burstStart)
		wait := policy.Cooldown - now.Sub(oldest)
		l.history[rt] = history
		return false, clampWait(wait)
	}

	l.history[rt] = append(history, now)
	return true, 0
}

func (l *Limiter) execute(ctx context.Context, item *queueItem, log *logger.Entry) {
	req := item.req
	policy := l.policies[req.Type]
	req.State = models.StateInFlight
	req.LastAttempt = l.now()
	queueWait := req.LastAttempt.Sub(req.CreatedAt)

	start := l.now()
	result, err := l.runWork(req)
	duration := l.now().Sub(start)

	l.mu.Lock()
	l.stats.Total++
	l.mu.Unlock()

	if err == nil {
		l.finish(req, models.StateDone)
		l.mu.Lock()
		l.stats.Successful++
		l.updateAvgWait(queueWait.Seconds())
		l.mu.Unlock()
		notifyDone(req, result, nil)

		logger.LogPerformanceEntry(log, "scheduler", "execute_request", duration, logger.Fields{
			"request_id":   req.ID,
			"type":         req.Type,
			"queue_wait_s": queueWait.Seconds(),
			"has_result":   result != nil,
		})
		return
	}

	if isTransient(err) && req.RetryCount < policy.MaxRetries {
		req.RetryCount++
		req.State = models.StateRetrying
		delay := l.backoff.ForAttempt(float64(req.RetryCount))

		l.mu.Lock()
		l.stats.Retried++
		l.queue.park(item, l.now().Add(delay))
		l.mu.Unlock()

		log.WithFields(logger.Fields{
			"request_id": req.ID,
			"attempt":    req.RetryCount + 1,
			"max":        policy.MaxRetries + 1,
			"backoff":    delay.String(),
		}).WithError(err).Warn("transient failure, retry scheduled")
		return
	}

	l.finish(req, models.StateDone)
	l.mu.Lock()
	l.stats.Failed++
	l.mu.Unlock()
	notifyDone(req, nil, err)

	log.WithFields(logger.Fields{
		"request_id": req.ID,
		"type":       req.Type,
		"retries":    req.RetryCount,
	}).WithError(err).Error("request permanently failed")
}

// drainPending empties the queue after the worker stops, finishing every
// outstanding request with the cancellation cause. Parked retries are
// drained too regardless of their backoff deadline.
func (l *Limiter) drainPending(cause error, log *logger.Entry) {
	if cause == nil {
		cause = context.Canceled
	}
	l.mu.Lock()
	items := l.queue.drain()
	l.stats.Skipped += int64(len(items))
	l.mu.Unlock()

	if len(items) == 0 {
		return
	}
	for _, item := range items {
		l.finish(item.req, models.StateDone)
		notifyDone(item.req, nil, cause)
	}
	log.WithFields(logger.Fields{"drained": len(items)}).Info("drained pending requests on shutdown")
}

// runWork executes the unit of work, converting panics into permanent
// errors so one bad closure cannot kill the worker loop.
func (l *Limiter) runWork(req *models.ScheduledRequest) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	return req.Work.Execute(req.Ctx)
}

func (l *Limiter) finish(req *models.ScheduledRequest, state models.RequestState) {
	req.State = state
}

func (l *Limiter) updateAvgWait(waitSeconds float64) {
	const alpha = 0.1
	if l.stats.AvgWait == 0 {
		l.stats.AvgWait = waitSeconds
		return
	}
	l.stats.AvgWait = alpha*waitSeconds + (1-alpha)*l.stats.AvgWait
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := l.stats
	snapshot.QueueSize = l.queue.size()
	return snapshot
}

// Info reports the admission state for one request type without consuming
// quota.
func (l *Limiter) Info(rt models.RequestType) RateInfo {
	policy := l.policies[rt]
	now := l.now()

	l.mu.Lock()
	history := pruneBefore(l.history[rt], now.Add(-historyWindow))
	l.history[rt] = history
	recent := len(history)
	l.mu.Unlock()

	can, wait := l.peekAdmit(rt, now)
	return RateInfo{
		RequestType:    rt,
		CanAdmit:       can,
		SuggestedWait:  wait,
		RecentRequests: recent,
		Policy:         policy,
	}
}

// peekAdmit evaluates both gates without recording an admission.
func (l *Limiter) peekAdmit(rt models.RequestType, now time.Time) (bool, time.Duration) {
	policy := l.policies[rt]

	l.mu.Lock()
	defer l.mu.Unlock()
	history := l.history[rt]

	oneSecAgo := now.Add(-time.Second)
	if recent := countAfter(history, oneSecAgo); float64(recent) >= policy.MaxRatePerSecond {
		return false, clampWait(time.Second - now.Sub(oldestAfter(history, oneSecAgo)))
	}
	burstStart := now.Add(-policy.Cooldown)
	if burst := countAfter(history, burstStart); burst >= policy.BurstAllowance {
		return false, clampWait(policy.Cooldown - now.Sub(oldestAfter(history, burstStart)))
	}
	return true, 0
}

func pruneBefore(history []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(history) && !history[idx].After(cutoff) {
		idx++
	}
	return history[idx:]
}

func countAfter(history []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range history {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func oldestAfter(history []time.Time, cutoff time.Time) time.Time {
	for _, ts := range history {
		if ts.After(cutoff) {
			return ts
		}
	}
	return cutoff
}

func clampWait(wait time.Duration) time.Duration {
	if wait < minSuggestedWait {
		return minSuggestedWait
	}
	return wait
}
