package sinks

import (
	"context"
	"fmt"
	"strings"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/app/livefeed"
	"github.com/coachpo/livefeed/internal/infra/config"
	"github.com/coachpo/livefeed/internal/observability"
)

// Binder attaches configured sinks to subscriptions. Nil sinks are treated as
// not configured and rejected when requested.
type Binder struct {
	Log     *Log
	JSONL   *JSONL
	Archive *Archive
	Script  *Script
}

// Bind adds one consumer per requested sink. Sinks already bound to sub are
// skipped. Consumers attached before a failure are removed again so a partial
// binding never survives.
func (b *Binder) Bind(ctx context.Context, feed *livefeed.Feed, sub *livefeed.Subscription, kinds []config.Sink) ([]*livefeed.Consumer, error) {
	bound := make(map[string]bool)
	for _, existing := range sub.Consumers() {
		bound[existing.Name()] = true
	}

	attached := make([]*livefeed.Consumer, 0, len(kinds))
	for _, kind := range kinds {
		name := consumerName(kind, sub)
		if bound[name] {
			continue
		}
		bound[name] = true
		callback, err := b.callback(kind)
		if err == nil {
			var consumer *livefeed.Consumer
			consumer, err = feed.AddConsumer(ctx, sub, callback, livefeed.WithName(name))
			if err == nil {
				attached = append(attached, consumer)
				continue
			}
		}
		for _, consumer := range attached {
			if rmErr := feed.RemoveConsumer(context.WithoutCancel(ctx), consumer); rmErr != nil {
				observability.Log().Warn("rollback sink binding failed",
					observability.String("consumer", consumer.String()),
					observability.Err(rmErr))
			}
		}
		return nil, err
	}
	return attached, nil
}

func (b *Binder) callback(kind config.Sink) (livefeed.Callback, error) {
	switch kind {
	case config.SinkLog:
		if b.Log != nil {
			return b.Log.Handle, nil
		}
	case config.SinkJSONL:
		if b.JSONL != nil {
			return b.JSONL.Handle, nil
		}
	case config.SinkArchive:
		if b.Archive != nil {
			return b.Archive.Handle, nil
		}
	case config.SinkScript:
		if b.Script != nil {
			return b.Script.Handle, nil
		}
	default:
		return nil, errs.New("sinks/bind", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown sink %q", kind)))
	}
	return nil, errs.New("sinks/bind", errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("sink %q is not configured", kind)))
}

// Close releases sinks holding files or runtimes.
func (b *Binder) Close() error {
	var closeErrs []error
	if b.JSONL != nil {
		if err := b.JSONL.Close(); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	if b.Script != nil {
		if err := b.Script.Close(); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	return observability.AggregateErrors(nil, "close sinks", closeErrs)
}

func consumerName(kind config.Sink, sub *livefeed.Subscription) string {
	return strings.ToLower(fmt.Sprintf("%s_%s_%s_%s", kind, sub.Symbol(), sub.Exchange(), sub.Interval()))
}
