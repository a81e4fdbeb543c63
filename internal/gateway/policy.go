package gateway

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"
)

// PolicyKind selects how many concurrent calls an engine may receive.
type PolicyKind string

const (
	PolicyExclusive PolicyKind = "exclusive"
	PolicyBounded   PolicyKind = "bounded"
	PolicyUnbounded PolicyKind = "unbounded"
)

// Policy is an arbitration policy. The zero value is Exclusive.
type Policy struct {
	Kind  PolicyKind
	Limit int
}

func Exclusive() Policy    { return Policy{Kind: PolicyExclusive, Limit: 1} }
func Bounded(n int) Policy { return Policy{Kind: PolicyBounded, Limit: n} }
func Unbounded() Policy    { return Policy{Kind: PolicyUnbounded} }

// ParsePolicy builds a policy from its configuration spelling. An empty kind
// means Exclusive.
func ParsePolicy(kind string, limit int) (Policy, error) {
	switch PolicyKind(strings.ToLower(strings.TrimSpace(kind))) {
	case "", PolicyExclusive:
		return Exclusive(), nil
	case PolicyBounded:
		if limit < 1 {
			return Policy{}, fmt.Errorf("bounded policy needs a limit >= 1, got %d", limit)
		}
		return Bounded(limit), nil
	case PolicyUnbounded:
		return Unbounded(), nil
	default:
		return Policy{}, fmt.Errorf("unknown concurrency policy %q", kind)
	}
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyBounded:
		return fmt.Sprintf("bounded(%d)", p.Limit)
	case PolicyUnbounded:
		return "unbounded"
	default:
		return "exclusive"
	}
}

// lane is the arbitration primitive for one engine. Waiters are served in
// FIFO order; a waiter whose context ends is removed from the queue.
type lane interface {
	acquire(ctx context.Context) error
	release()
}

func newLane(p Policy) lane {
	switch p.Kind {
	case PolicyUnbounded:
		return openLane{}
	case PolicyBounded:
		return &weightedLane{sem: semaphore.NewWeighted(int64(p.Limit))}
	default:
		return &weightedLane{sem: semaphore.NewWeighted(1)}
	}
}

type weightedLane struct {
	sem *semaphore.Weighted
}

func (l *weightedLane) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.sem.Acquire(ctx, 1)
}

func (l *weightedLane) release() { l.sem.Release(1) }

type openLane struct{}

func (openLane) acquire(ctx context.Context) error { return ctx.Err() }
func (openLane) release()                          {}
