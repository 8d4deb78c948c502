package plugin

import (
	"errors"
	"time"

	cb "github.com/sony/gobreaker"
)

var errCrashRecorded = errors.New("plugin: crash recorded")

// restartBreaker bounds crash-triggered restarts. Every crash records a
// failure; once the failures within the rolling window exceed the restart
// budget the circuit opens. An open circuit is terminal for the supervisor,
// so a manual start builds a fresh breaker.
type restartBreaker struct {
	cb *cb.CircuitBreaker
}

func newRestartBreaker(id string, maxRestarts int, window time.Duration) *restartBreaker {
	st := cb.Settings{Name: id}
	st.Interval = window
	st.Timeout = window
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return int(counts.TotalFailures) > maxRestarts
	}
	return &restartBreaker{cb: cb.NewCircuitBreaker(st)}
}

// recordCrash counts one crash and reports whether the circuit is now open.
func (b *restartBreaker) recordCrash() bool {
	_, err := b.cb.Execute(func() (any, error) { return nil, errCrashRecorded })
	if errors.Is(err, cb.ErrOpenState) {
		return true
	}
	return b.cb.State() == cb.StateOpen
}
