package validate

import (
	"sync"
	"time"
)

// TradingSession names a sub-interval of the US equity market day. Each
// session carries its own expected volatility, so price-movement checks
// use a per-session tolerance instead of a single global bound.
type TradingSession string

const (
	SessionPreMarket  TradingSession = "pre_market"
	SessionRegular    TradingSession = "regular"
	SessionAfterHours TradingSession = "after_hours"
	SessionClosed     TradingSession = "closed"
)

var (
	exchangeTZOnce sync.Once
	exchangeTZ     *time.Location
)

// exchangeLocation resolves the US equity exchange timezone once. Falls
// back to a fixed EST offset when the tz database is unavailable.
func exchangeLocation() *time.Location {
	exchangeTZOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.FixedZone("EST", -5*3600)
		}
		exchangeTZ = loc
	})
	return exchangeTZ
}

// ClassifySession maps a timestamp to its trading session by local
// exchange time. Weekends are always closed. Session bounds in exchange
// local time: pre-market 04:00-09:30, regular 09:30-16:00, after-hours
// 16:00-20:00, closed otherwise.
func ClassifySession(t time.Time) TradingSession {
	local := t.In(exchangeLocation())

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return SessionClosed
	}

	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes >= 4*60 && minutes < 9*60+30:
		return SessionPreMarket
	case minutes >= 9*60+30 && minutes < 16*60:
		return SessionRegular
	case minutes >= 16*60 && minutes < 20*60:
		return SessionAfterHours
	default:
		return SessionClosed
	}
}

// SpansClosure reports whether the interval between two timestamps
// touches a market closure. Sampling every 30 minutes is sufficient
// because no closure is shorter than the overnight halt.
func SpansClosure(from, to time.Time) bool {
	if ClassifySession(from) == SessionClosed || ClassifySession(to) == SessionClosed {
		return true
	}
	for t := from.Add(30 * time.Minute); t.Before(to); t = t.Add(30 * time.Minute) {
		if ClassifySession(t) == SessionClosed {
			return true
		}
	}
	return false
}

// MovementTolerance returns the maximum bar-to-bar fractional price move
// considered plausible for a session. A negative value means unbounded;
// gaps across a closed market are legitimate and never penalized.
func MovementTolerance(s TradingSession) float64 {
	switch s {
	case SessionRegular:
		return 0.20
	case SessionPreMarket, SessionAfterHours:
		return 0.30
	default:
		return -1
	}
}
