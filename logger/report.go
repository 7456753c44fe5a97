package logger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type componentStat struct {
	warns  int64
	errors int64
}

var componentStats sync.Map // map[string]*componentStat

func recordWarn(component string) {
	atomic.AddInt64(&statFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&statFor(component).errors, 1)
}

func statFor(component string) *componentStat {
	v, _ := componentStats.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

// ComponentCounts returns the warn and error totals recorded for a component.
func ComponentCounts(component string) (warns, errors int64) {
	v, ok := componentStats.Load(component)
	if !ok {
		return 0, 0
	}
	cs := v.(*componentStat)
	return atomic.LoadInt64(&cs.warns), atomic.LoadInt64(&cs.errors)
}

// StartReport periodically logs a per-component warn/error summary until the
// context is cancelled. Useful when the service runs headless for days.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				componentStats.Range(func(key, value interface{}) bool {
					cs := value.(*componentStat)
					log.WithComponent("report").WithFields(Fields{
						"target": key,
						"warns":  atomic.LoadInt64(&cs.warns),
						"errors": atomic.LoadInt64(&cs.errors),
					}).Info("component health")
					return true
				})
			}
		}
	}()
}
