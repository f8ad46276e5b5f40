package sinks

import (
	"context"

	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/app/script"
	"github.com/coachpo/livefeed/internal/domain/schema"
)

// Script forwards bars to a JavaScript onBar handler.
type Script struct {
	instance *script.Instance
}

// NewScript wraps a running script instance.
func NewScript(instance *script.Instance) *Script {
	return &Script{instance: instance}
}

// Handle implements livefeed.Callback.
func (s *Script) Handle(ctx context.Context, sub *livefeed.Subscription, bar schema.Bar) error {
	return s.instance.OnBar(ctx, sub.Key().Ticker(), bar)
}

// Close releases the script runtime.
func (s *Script) Close() error {
	s.instance.Close()
	return nil
}
