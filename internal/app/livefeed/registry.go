package livefeed

import (
	"context"
	"sort"
	"time"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/domain/schema"
)

// registry owns every live subscription, bucketed by interval length with a
// reverse index by key. All fields are guarded by sem. Holders may take a
// subscription lock underneath it (never the reverse) but must not call out to
// fetchers or callbacks.
type registry struct {
	sem     chan struct{}
	buckets map[time.Duration]*bucket
	index   map[schema.Key]*Subscription
}

type bucket struct {
	length  time.Duration
	nextDue time.Time
	subs    map[schema.Key]*Subscription
}

func newRegistry() *registry {
	return &registry{
		sem:     make(chan struct{}, 1),
		buckets: make(map[time.Duration]*bucket),
		index:   make(map[schema.Key]*Subscription),
	}
}

// lock acquires the registry, giving up when ctx ends.
func (r *registry) lock(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errs.New("livefeed/registry", errs.CodeTimeout,
			errs.WithMessage("registry lock acquisition timed out"),
			errs.WithCause(ctx.Err()))
	}
}

func (r *registry) unlock() { <-r.sem }

// lookup requires the lock.
func (r *registry) lookup(key schema.Key) *Subscription {
	return r.index[key]
}

// insert adds sub to its bucket and the index. It reports whether the bucket was
// empty, in which case the caller must wake the scheduler. Requires the lock.
func (r *registry) insert(sub *Subscription, now time.Time) bool {
	length := sub.key.Interval.Length()
	b, ok := r.buckets[length]
	if !ok {
		b = &bucket{length: length, subs: make(map[schema.Key]*Subscription)}
		r.buckets[length] = b
	}
	wasEmpty := len(b.subs) == 0
	if wasEmpty {
		b.nextDue = schema.CeilBoundary(now, length)
	}
	b.subs[sub.key] = sub
	r.index[sub.key] = sub
	return wasEmpty
}

// remove deletes sub from both indices if it is the registered instance. Requires the lock.
func (r *registry) remove(sub *Subscription) bool {
	current, ok := r.index[sub.key]
	if !ok || current != sub {
		return false
	}
	delete(r.index, sub.key)
	length := sub.key.Interval.Length()
	if b, ok := r.buckets[length]; ok {
		delete(b.subs, sub.key)
		if len(b.subs) == 0 {
			delete(r.buckets, length)
		}
	}
	return true
}

// nextWake returns the earliest due time across non-empty buckets. Requires the lock.
func (r *registry) nextWake() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, b := range r.buckets {
		if len(b.subs) == 0 {
			continue
		}
		if !found || b.nextDue.Before(next) {
			next = b.nextDue
			found = true
		}
	}
	return next, found
}

// collectDue snapshots subscriptions whose bucket boundary has elapsed and
// advances those buckets to the next boundary strictly after now. Requires the lock.
func (r *registry) collectDue(now time.Time) []*Subscription {
	var due []*Subscription
	for _, b := range r.buckets {
		if len(b.subs) == 0 || now.Before(b.nextDue) {
			continue
		}
		for _, sub := range b.subs {
			due = append(due, sub)
		}
		b.nextDue = schema.NextBoundary(now, b.length)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].key.String() < due[j].key.String() })
	return due
}

// all returns every live subscription ordered by key. Requires the lock.
func (r *registry) all() []*Subscription {
	out := make([]*Subscription, 0, len(r.index))
	for _, sub := range r.index {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.String() < out[j].key.String() })
	return out
}

// clear drops every subscription and returns them. Requires the lock.
func (r *registry) clear() []*Subscription {
	out := r.all()
	r.index = make(map[schema.Key]*Subscription)
	r.buckets = make(map[time.Duration]*bucket)
	return out
}

func (r *registry) size() int { return len(r.index) }
