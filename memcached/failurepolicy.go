package memcached

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
)

// FailurePolicy decides whether a node is currently allowed to serve
// requests, and observes the outcome of attempts made against it. The
// Client's default implementation is a circuit breaker: once a node's
// consecutive failures reach a threshold, the policy "throttles" the
// node (stops dispatching to it) for a cooldown window, then lets a
// single probe request through to decide whether to resume.
type FailurePolicy interface {
	// Execute runs fn if the node is currently allowed to serve
	// requests, and records its outcome.
	Execute(ctx context.Context, fn func(ctx context.Context) (*Response, error)) (*Response, error)
	// Allowed reports whether the policy would currently let a
	// request through, without actually making one.
	Allowed() bool
}

// BreakerFailurePolicy wraps a gobreaker.CircuitBreaker as a
// FailurePolicy. failureThreshold consecutive failures within a
// resetAfter window trip the breaker; deadTimeout governs how long it
// stays open before a half-open probe is allowed through.
type BreakerFailurePolicy struct {
	node   string
	cb     *gobreaker.CircuitBreaker[*Response]
	onTrip func(NodeFailedEvent)
}

// NewBreakerFailurePolicy builds the default Throttling failure policy
// for node. onTrip, if non-nil, is called whenever the breaker opens.
func NewBreakerFailurePolicy(node string, failureThreshold uint32, resetAfter, deadTimeout time.Duration, onTrip func(NodeFailedEvent)) *BreakerFailurePolicy {
	p := &BreakerFailurePolicy{node: node, onTrip: onTrip}

	st := gobreaker.Settings{
		Name:        node,
		MaxRequests: 1,
		Interval:    resetAfter,
		Timeout:     deadTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen && p.onTrip != nil {
				p.onTrip(NodeFailedEvent{Node: name, Err: ErrServerNotAvailable})
			}
		},
	}

	p.cb = gobreaker.NewCircuitBreaker[*Response](st)
	return p
}

func (p *BreakerFailurePolicy) Execute(_ context.Context, fn func(ctx context.Context) (*Response, error)) (*Response, error) {
	return p.cb.Execute(func() (*Response, error) {
		return fn(context.Background())
	})
}

func (p *BreakerFailurePolicy) Allowed() bool {
	return p.cb.State() != gobreaker.StateOpen
}
