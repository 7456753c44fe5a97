package models

import (
	"context"
	"fmt"
	"time"
)

// RequestType classifies upstream broker calls. Each type carries its own
// quota because the broker throttles them independently.
type RequestType string

const (
	RequestHistoricalData  RequestType = "historical_data"
	RequestMarketData      RequestType = "market_data"
	RequestAccountData     RequestType = "account_data"
	RequestContractDetails RequestType = "contract_details"
	RequestOrders          RequestType = "orders"
)

// RequestTypes lists every known request type.
var RequestTypes = []RequestType{
	RequestHistoricalData,
	RequestMarketData,
	RequestAccountData,
	RequestContractDetails,
	RequestOrders,
}

// Valid reports whether rt is one of the known request types.
func (rt RequestType) Valid() bool {
	for _, t := range RequestTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// Priority orders requests inside the scheduler queue. Lower value means
// higher priority so values sort naturally in a min-heap.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a configuration string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority '%s'", s)
}

// Work is an opaque unit of upstream work executed by the scheduler worker
// once the admission gate allows it.
type Work interface {
	Execute(ctx context.Context) (interface{}, error)
}

// CompletionNotifier is implemented by work that needs to observe its
// terminal outcome. The scheduler calls Completed exactly once per
// request: after the final attempt, after a recovered panic, or when the
// request is skipped without ever running.
type CompletionNotifier interface {
	Completed(result interface{}, err error)
}

// WorkFunc adapts a plain function to the Work interface.
type WorkFunc func(ctx context.Context) (interface{}, error)

// Execute implements Work.
func (f WorkFunc) Execute(ctx context.Context) (interface{}, error) {
	return f(ctx)
}

// RequestState tracks a scheduled request through its lifecycle. A request
// is in exactly one state at a time.
type RequestState string

const (
	StateQueued   RequestState = "queued"
	StateInFlight RequestState = "in_flight"
	StateRetrying RequestState = "retrying"
	StateDone     RequestState = "done"
)

// ScheduledRequest is a queued unit of upstream work. It is created by the
// caller and owned by the scheduler until it reaches a terminal state.
type ScheduledRequest struct {
	ID          string
	Type        RequestType
	Priority    Priority
	Work        Work
	Ctx         context.Context
	State       RequestState
	CreatedAt   time.Time
	RetryCount  int
	LastAttempt time.Time
}
