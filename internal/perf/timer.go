package perf

import "time"

// Observer receives one latency sample per operation. Monitor satisfies
// it, as does any recorder that fans samples out to more sinks.
type Observer interface {
	Observe(op string, elapsed time.Duration)
}

// Timer is one scoped measurement: start it where the work begins, stop
// it on exit. Stop publishes the sample to the observer exactly once.
type Timer struct {
	obs     Observer
	op      string
	start   time.Time
	elapsed time.Duration
	stopped bool
}

// StartTimer begins measuring op. A nil observer still measures but
// publishes nowhere, so optional recorders pass straight through.
func StartTimer(obs Observer, op string) *Timer {
	return &Timer{obs: obs, op: op, start: time.Now()}
}

// StartedAt returns the moment the measurement began.
func (t *Timer) StartedAt() time.Time { return t.start }

// Stop records the elapsed time with the observer and returns it.
// Calls after the first return the original measurement unchanged.
func (t *Timer) Stop() time.Duration {
	if t.stopped {
		return t.elapsed
	}
	t.stopped = true
	t.elapsed = time.Since(t.start)
	if t.obs != nil {
		t.obs.Observe(t.op, t.elapsed)
	}
	return t.elapsed
}
