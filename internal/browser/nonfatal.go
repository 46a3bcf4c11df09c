package browser

import (
	"context"
	"time"

	"browsercoord-mcp-server/internal/mangle"

	"github.com/sirupsen/logrus"
)

// nonFatal runs an optional step. Failures are logged at warn level and reported as false.
func nonFatal(log logrus.FieldLogger, op string, fn func() error) bool {
	if err := fn(); err != nil {
		log.WithError(err).Warnf("%s failed", op)
		return false
	}
	return true
}

// nonFatalValue is nonFatal for steps that produce a value.
func nonFatalValue[T any](log logrus.FieldLogger, op string, fn func() (T, error)) (T, bool) {
	v, err := fn()
	if err != nil {
		log.WithError(err).Warnf("%s failed", op)
		var zero T
		return zero, false
	}
	return v, true
}

// emit journals a lifecycle fact and mirrors it into the session trace.
func (c *Coordinator) emit(ctx context.Context, predicate, tabID string, args ...interface{}) {
	if c.trace != nil {
		c.trace.Log(predicate, tabID, args)
	}
	if c.sink == nil {
		return
	}
	factArgs := args
	if tabID != "" {
		factArgs = append([]interface{}{tabID}, args...)
	}
	fact := mangle.Fact{Predicate: predicate, Args: factArgs, Timestamp: time.Now()}
	if err := c.sink.AddFacts(ctx, []mangle.Fact{fact}); err != nil {
		c.log.WithError(err).WithField("predicate", predicate).Debug("fact sink rejected fact")
	}
}
