package channel

import (
	"context"
	"sync"

	"barflow/logger"
	"barflow/models"
)

// FailedRequest describes one fetch or validation failure flowing to the
// error channel.
type FailedRequest struct {
	Symbol    string
	Timeframe models.Timeframe
	Reason    string
	Score     float64
}

type Stats struct {
	ValidatedSent    int64
	ValidatedDropped int64
	ErrorsSent       int64
	ErrorsDropped    int64
}

// Channels carries validated batches and failures between the pipeline and
// downstream consumers. Sends never block; when a buffer is full the item
// is dropped and counted, since a stalled consumer must not stall
// ingestion.
type Channels struct {
	Validated chan models.ValidatedBatch
	Errors    chan FailedRequest

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(validatedBuffer, errorBuffer int) *Channels {
	if validatedBuffer <= 0 {
		validatedBuffer = 100
	}
	if errorBuffer <= 0 {
		errorBuffer = 100
	}

	log := logger.GetLogger()
	c := &Channels{
		Validated: make(chan models.ValidatedBatch, validatedBuffer),
		Errors:    make(chan FailedRequest, errorBuffer),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"validated_buffer": validatedBuffer,
		"error_buffer":     errorBuffer,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Validated)
	close(c.Errors)
	c.log.WithComponent("channels").Info("channels closed")
}

// SendValidated offers a batch to the validated channel. Returns false when
// the batch was dropped or the context was cancelled.
func (c *Channels) SendValidated(ctx context.Context, batch models.ValidatedBatch) bool {
	select {
	case c.Validated <- batch:
		c.statsMutex.Lock()
		c.stats.ValidatedSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.ValidatedDropped++
		c.statsMutex.Unlock()
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"symbol": batch.Symbol,
		}).Warn("validated channel full, dropping batch")
		return false
	}
}

// SendError offers a failure to the error channel.
func (c *Channels) SendError(ctx context.Context, failed FailedRequest) bool {
	select {
	case c.Errors <- failed:
		c.statsMutex.Lock()
		c.stats.ErrorsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.ErrorsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
