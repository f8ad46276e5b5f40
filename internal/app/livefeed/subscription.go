package livefeed

import (
	"sync"

	"github.com/coachpo/livefeed/internal/domain/schema"
)

// Subscription is the single live handle for a key. Its consumer set and
// delivery fingerprint are guarded by its own lock, independent of the registry.
type Subscription struct {
	key schema.Key

	mu        sync.Mutex
	consumers []*Consumer
	last      schema.Fingerprint
	removed   bool
}

func newSubscription(key schema.Key) *Subscription {
	return &Subscription{key: key}
}

// Key returns the subscription identity.
func (s *Subscription) Key() schema.Key { return s.key }

func (s *Subscription) Symbol() string { return s.key.Symbol }

func (s *Subscription) Exchange() string { return s.key.Exchange }

func (s *Subscription) Interval() schema.Interval { return s.key.Interval }

func (s *Subscription) String() string { return s.key.String() }

// Fingerprint returns the fingerprint of the last delivered bar, zero before the first delivery.
func (s *Subscription) Fingerprint() schema.Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Consumers returns the attached consumers in attachment order.
func (s *Subscription) Consumers() []*Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Consumer(nil), s.consumers...)
}

// Removed reports whether the subscription has left the registry.
func (s *Subscription) Removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

func (s *Subscription) attach(c *Consumer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.consumers = append(s.consumers, c)
	return true
}

// detach removes c and reports whether it was attached. With retireEmpty set,
// removing the last consumer retires the subscription in the same critical
// section, so a concurrent attach fails instead of landing on a dying handle.
func (s *Subscription) detach(c *Consumer, retireEmpty bool) (attached, retired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.consumers {
		if existing != c {
			continue
		}
		s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
		if retireEmpty && len(s.consumers) == 0 && !s.removed {
			s.removed = true
			s.consumers = nil
			return true, true
		}
		return true, false
	}
	return false, false
}

// retire marks the subscription removed and hands back its consumers. Later
// calls return nothing.
func (s *Subscription) retire() []*Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil
	}
	s.removed = true
	out := s.consumers
	s.consumers = nil
	return out
}

// advance records fp as delivered and returns the consumers to fan out to. It
// refuses fingerprints that are not strictly newer.
func (s *Subscription) advance(fp schema.Fingerprint) ([]*Consumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp <= s.last {
		return nil, false
	}
	s.last = fp
	return append([]*Consumer(nil), s.consumers...), true
}
