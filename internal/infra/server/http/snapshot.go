package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/infra/config"
)

const snapshotVersion = "1"

// SubscriptionSnapshot captures the live subscription set in the same shape as
// the subscriptions section of the YAML config.
type SubscriptionSnapshot struct {
	Version       string                      `json:"version"`
	GeneratedAt   time.Time                   `json:"generatedAt"`
	Environment   string                      `json:"environment"`
	Subscriptions []config.SubscriptionConfig `json:"subscriptions"`
}

var knownSinks = []config.Sink{config.SinkLog, config.SinkJSONL, config.SinkArchive, config.SinkScript}

func (s *httpServer) exportSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.buildSnapshot(r.Context())
	if err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *httpServer) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload SubscriptionSnapshot
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, fmt.Errorf("invalid snapshot payload: %w", err))
		return
	}
	if err := s.applySnapshot(r.Context(), payload); err != nil {
		writeFeedError(w, err)
		return
	}
	snapshot, err := s.buildSnapshot(r.Context())
	if err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *httpServer) buildSnapshot(ctx context.Context) (SubscriptionSnapshot, error) {
	subs, err := s.feed.Subscriptions(ctx)
	if err != nil {
		return SubscriptionSnapshot{}, err
	}
	entries := make([]config.SubscriptionConfig, 0, len(subs))
	for _, sub := range subs {
		entries = append(entries, config.SubscriptionConfig{
			Symbol:   sub.Symbol(),
			Exchange: sub.Exchange(),
			Interval: sub.Interval().String(),
			Sinks:    sinksOf(sub),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Interval < b.Interval
	})
	return SubscriptionSnapshot{
		Version:       snapshotVersion,
		GeneratedAt:   s.now().UTC(),
		Environment:   string(s.environment),
		Subscriptions: entries,
	}, nil
}

// applySnapshot reconciles the live set with payload: subscriptions missing
// from payload are removed, new ones are created with their sinks.
func (s *httpServer) applySnapshot(ctx context.Context, payload SubscriptionSnapshot) error {
	current, err := s.feed.Subscriptions(ctx)
	if err != nil {
		return err
	}
	desired := make(map[string]config.SubscriptionConfig, len(payload.Subscriptions))
	for _, entry := range payload.Subscriptions {
		slug, err := slugOf(entry)
		if err != nil {
			return err
		}
		desired[slug] = entry
	}

	for _, sub := range current {
		if _, keep := desired[sub.Key().Slug()]; keep {
			delete(desired, sub.Key().Slug())
			continue
		}
		if err := s.feed.Unsubscribe(ctx, sub); err != nil {
			return fmt.Errorf("remove %s: %w", sub.Key().Slug(), err)
		}
	}

	slugs := make([]string, 0, len(desired))
	for slug := range desired {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	for _, slug := range slugs {
		entry := desired[slug]
		sinks := entry.Sinks
		if sinks == nil {
			sinks = []config.Sink{}
		}
		if _, _, err := s.subscribe(ctx, subscriptionPayload{
			Symbol:   entry.Symbol,
			Exchange: entry.Exchange,
			Interval: entry.Interval,
			Sinks:    sinks,
		}); err != nil {
			return fmt.Errorf("create %s: %w", slug, err)
		}
	}
	return nil
}

func slugOf(entry config.SubscriptionConfig) (string, error) {
	payload := subscriptionPayload{Symbol: entry.Symbol, Exchange: entry.Exchange, Interval: entry.Interval}
	key, err := payload.key()
	if err != nil {
		return "", err
	}
	return key.Slug(), nil
}

// sinksOf recovers sink kinds from consumer names of the form
// "<sink>_<symbol>_<exchange>_<interval>".
func sinksOf(sub *livefeed.Subscription) []config.Sink {
	var out []config.Sink
	seen := make(map[config.Sink]bool)
	for _, c := range sub.Consumers() {
		prefix, _, ok := strings.Cut(c.Name(), "_")
		if !ok {
			continue
		}
		for _, kind := range knownSinks {
			if string(kind) == prefix && !seen[kind] {
				seen[kind] = true
				out = append(out, kind)
			}
		}
	}
	return out
}
