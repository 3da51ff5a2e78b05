package delivery

// RetryPolicy decides, after a failed attempt, whether a task goes back to
// pending or to the dead-letter store. It is a pure function of the attempt
// count and the failure classification.
//
// Backoff is deliberately coarse: a retried task simply is not picked up
// again until a later scan round. No per-task delay is computed or persisted.
type RetryPolicy struct {
	MaxAttempts int
}

type Verdict int

const (
	Retry Verdict = iota
	GiveUp
)

// Decide takes the attempt count including the attempt that just failed.
// Permanent failures are given up on immediately, whatever the count.
func (p RetryPolicy) Decide(attempts int, permanent bool) Verdict {
	if permanent {
		return GiveUp
	}
	if attempts >= p.MaxAttempts {
		return GiveUp
	}
	return Retry
}
