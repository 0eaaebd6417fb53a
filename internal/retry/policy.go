// Package retry decides what happens to a request after an attempt.
package retry

// DefaultCap is the number of failed attempts tolerated before eviction.
const DefaultCap = 5

// Outcome is the result of one processing attempt.
type Outcome int

const (
	// Succeeded means the content was scraped and delivered.
	Succeeded Outcome = iota
	// Failed covers scrape errors, timeouts, delivery and store errors.
	Failed
)

// Action is the next step for the request.
type Action int

const (
	// Complete destroys the record after a successful attempt.
	Complete Action = iota
	// Requeue marks the record PENDING again with the new retry count.
	Requeue
	// Evict destroys the record without further attempts.
	Evict
)

func (a Action) String() string {
	switch a {
	case Complete:
		return "complete"
	case Requeue:
		return "requeue"
	case Evict:
		return "evict"
	default:
		return "unknown"
	}
}

// Decision is returned by Policy.Decide.
type Decision struct {
	Action     Action
	RetryCount int
}

// Policy is a fixed-cap retry policy. Retries carry no backoff of their own;
// they are paced by the reconciler interval.
type Policy struct {
	cap int
}

// NewPolicy builds a Policy; a non-positive cap falls back to DefaultCap.
func NewPolicy(limit int) Policy {
	if limit <= 0 {
		limit = DefaultCap
	}
	return Policy{cap: limit}
}

// Cap returns the configured retry cap.
func (p Policy) Cap() int {
	if p.cap <= 0 {
		return DefaultCap
	}
	return p.cap
}

// Decide maps the previous retry count and the attempt outcome to a Decision.
func (p Policy) Decide(previous int, outcome Outcome) Decision {
	if outcome == Succeeded {
		return Decision{Action: Complete, RetryCount: previous}
	}
	next := previous + 1
	if next <= p.Cap() {
		return Decision{Action: Requeue, RetryCount: next}
	}
	return Decision{Action: Evict, RetryCount: next}
}

// Exhausted reports whether a stored retry count is past the cap, meaning the
// record must be destroyed rather than dispatched again.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount > p.Cap()
}
