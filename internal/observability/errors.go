package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors drops nil entries from errs and joins the rest under op. A
// non-empty result is logged once on logger, or on the process logger when
// logger is nil.
func AggregateErrors(logger Logger, op string, errs []error, fields ...Field) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}

	joined := errors.Join(failed...)
	logger.Error(op+" failed", append(fields,
		Field{Key: "failures", Value: len(failed)},
		Err(joined),
	)...)
	return fmt.Errorf("%s: %w", op, joined)
}
