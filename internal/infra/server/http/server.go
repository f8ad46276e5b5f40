// Package httpserver exposes HTTP handlers for managing live feed subscriptions.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	subscriptionsPath      = "/subscriptions"
	subscriptionDetailPath = subscriptionsPath + "/"

	healthPath      = "/healthz"
	statsPath       = "/stats"
	deadLettersPath = "/deadletters"
	snapshotPath    = "/config/subscriptions"

	defaultHistoryBars = 100
)

// Binder attaches sinks to a subscription created through the API.
type Binder interface {
	Bind(ctx context.Context, feed *livefeed.Feed, sub *livefeed.Subscription, kinds []config.Sink) ([]*livefeed.Consumer, error)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	feed        *livefeed.Feed
	binder      Binder
	defaults    []config.Sink
	now         func() time.Time
}

type subscriptionPayload struct {
	Symbol   string        `json:"symbol"`
	Exchange string        `json:"exchange"`
	Interval string        `json:"interval"`
	Sinks    []config.Sink `json:"sinks,omitempty"`
}

type consumerView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type subscriptionView struct {
	Key       string         `json:"key"`
	Symbol    string         `json:"symbol"`
	Exchange  string         `json:"exchange"`
	Interval  string         `json:"interval"`
	LastBar   *time.Time     `json:"lastBar,omitempty"`
	Consumers []consumerView `json:"consumers"`
}

// NewHandler creates the control API handler. Subscriptions created without an
// explicit sink list get defaultSinks.
func NewHandler(environment config.Environment, feed *livefeed.Feed, binder Binder, defaultSinks []config.Sink) http.Handler {
	server := &httpServer{
		environment: environment,
		feed:        feed,
		binder:      binder,
		defaults:    append([]config.Sink(nil), defaultSinks...),
		now:         time.Now,
	}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stats,
	}))
	mux.Handle(deadLettersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.listDeadLetters,
		http.MethodDelete: server.drainDeadLetters,
	}))
	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listSubscriptions,
		http.MethodPost: server.createSubscription,
	}))
	mux.Handle(subscriptionDetailPath, http.HandlerFunc(server.handleSubscription))
	mux.Handle(snapshotPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.exportSnapshot,
		http.MethodPost: server.restoreSnapshot,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	state := s.feed.SchedulerState()
	status := http.StatusOK
	label := "ok"
	if state == livefeed.SchedulerShuttingDown || state == livefeed.SchedulerStopped {
		status = http.StatusServiceUnavailable
		label = "unavailable"
	}
	writeJSON(w, status, map[string]string{
		"status":      label,
		"scheduler":   state.String(),
		"environment": string(s.environment),
	})
}

func (s *httpServer) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.feed.Stats())
}

func (s *httpServer) listDeadLetters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"incidents": s.feed.DeadLetters().Snapshot()})
}

func (s *httpServer) drainDeadLetters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"incidents": s.feed.DeadLetters().Drain()})
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.feed.Subscriptions(r.Context())
	if err != nil {
		writeFeedError(w, err)
		return
	}
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, viewOf(sub))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
}

func (s *httpServer) createSubscription(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeSubscriptionPayload(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	sub, created, err := s.subscribe(r.Context(), payload)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, viewOf(sub))
}

// subscribe registers the key and binds sinks. created reports whether the
// subscription did not exist before the call.
func (s *httpServer) subscribe(ctx context.Context, payload subscriptionPayload) (*livefeed.Subscription, bool, error) {
	key, err := payload.key()
	if err != nil {
		return nil, false, err
	}
	sub, created, err := s.feed.Ensure(ctx, key)
	if err != nil {
		return nil, false, err
	}
	kinds := payload.Sinks
	if kinds == nil {
		kinds = s.defaults
	}
	if len(kinds) > 0 && s.binder != nil {
		if _, err := s.binder.Bind(ctx, s.feed, sub, normaliseSinks(kinds)); err != nil {
			if created && len(sub.Consumers()) == 0 {
				_ = s.feed.Unsubscribe(context.WithoutCancel(ctx), sub)
			}
			return nil, false, err
		}
	}
	return sub, created, nil
}

func (s *httpServer) handleSubscription(w http.ResponseWriter, r *http.Request) {
	remainder := strings.Trim(strings.TrimPrefix(r.URL.Path, subscriptionDetailPath), "/")
	if remainder == "" {
		writeError(w, http.StatusNotFound, "subscription key required")
		return
	}
	slug, action, _ := strings.Cut(remainder, "/")
	key, err := schema.ParseSlug(slug)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getSubscription(w, r, key)
		case http.MethodDelete:
			s.deleteSubscription(w, r, key)
		default:
			methodNotAllowed(w, http.MethodDelete, http.MethodGet)
		}
	case "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getHistory(w, r, key)
	default:
		writeError(w, http.StatusNotFound, "unknown subscription resource")
	}
}

func (s *httpServer) getSubscription(w http.ResponseWriter, r *http.Request, key schema.Key) {
	sub, err := s.feed.Subscription(r.Context(), key)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sub))
}

func (s *httpServer) deleteSubscription(w http.ResponseWriter, r *http.Request, key schema.Key) {
	sub, err := s.feed.Subscription(r.Context(), key)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	if err := s.feed.Unsubscribe(r.Context(), sub); err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "key": key.Slug()})
}

func (s *httpServer) getHistory(w http.ResponseWriter, r *http.Request, key schema.Key) {
	bars := defaultHistoryBars
	if raw := strings.TrimSpace(r.URL.Query().Get("bars")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bars must be a positive integer")
			return
		}
		bars = parsed
	}
	history, err := s.feed.History(r.Context(), key, bars)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key.Slug(), "bars": history})
}

func viewOf(sub *livefeed.Subscription) subscriptionView {
	view := subscriptionView{
		Key:       sub.Key().Slug(),
		Symbol:    sub.Symbol(),
		Exchange:  sub.Exchange(),
		Interval:  sub.Interval().String(),
		Consumers: []consumerView{},
	}
	if fp := sub.Fingerprint(); !fp.IsZero() {
		last := time.Unix(0, int64(fp)).UTC()
		view.LastBar = &last
	}
	for _, c := range sub.Consumers() {
		view.Consumers = append(view.Consumers, consumerView{ID: c.ID(), Name: c.Name(), State: c.State().String()})
	}
	return view
}

func (p subscriptionPayload) key() (schema.Key, error) {
	interval, err := schema.ParseInterval(p.Interval)
	if err != nil {
		return schema.Key{}, err
	}
	return schema.NewKey(p.Symbol, p.Exchange, interval)
}

func decodeSubscriptionPayload(w http.ResponseWriter, r *http.Request) (subscriptionPayload, error) {
	limitRequestBody(w, r)
	var payload subscriptionPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return subscriptionPayload{}, fmt.Errorf("invalid subscription payload: %w", err)
	}
	return payload, nil
}

func normaliseSinks(kinds []config.Sink) []config.Sink {
	out := make([]config.Sink, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, config.Sink(strings.ToLower(strings.TrimSpace(string(kind)))))
	}
	return out
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeFeedError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeShuttingDown, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeAuth, errs.CodeNetwork, errs.CodeStale:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
