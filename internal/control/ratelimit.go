package control

import (
	"log/slog"

	"golang.org/x/time/rate"
)

// Control-message rate policy: a session that keeps exceeding the limit is
// reaped rather than merely throttled.
const (
	defaultControlRatePerSecond = 50
	defaultControlBurst         = 100

	// maxConsecutiveViolations is the number of back-to-back rate-limited
	// frames at which the dispatcher forces a disconnect.
	maxConsecutiveViolations = 20
)

// rateGuard wraps a per-session rate.Limiter with the consecutive-
// violation counter that turns sustained flooding into a disconnect.
type rateGuard struct {
	limiter    *rate.Limiter
	violations int
}

func newRateGuard() *rateGuard {
	return &rateGuard{limiter: rate.NewLimiter(rate.Limit(defaultControlRatePerSecond), defaultControlBurst)}
}

// allow reports whether the current frame may proceed. Every rate-limited
// frame returns ok=false; once maxConsecutiveViolations rate-limited frames
// have arrived back to back, it also returns forceDisconnect=true (and logs
// a warning), signalling the caller to force a disconnect. An allowed frame
// resets the violation count.
func (g *rateGuard) allow(traceID string) (ok bool, forceDisconnect bool) {
	if g.limiter.Allow() {
		g.violations = 0
		return true, false
	}
	g.violations++
	if g.violations >= maxConsecutiveViolations {
		slog.Warn("control rate limit exceeded repeatedly, disconnecting", "trace_id", traceID, "violations", g.violations)
		return false, true
	}
	slog.Debug("control message rate-limited", "trace_id", traceID, "violations", g.violations)
	return false, false
}
