package observability

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// SetupSentry initializes error reporting. An empty DSN disables it and
// returns a no-op flush.
func SetupSentry(dsn, environment, release string) (flush func(), err error) {
	if dsn == "" {
		return func() {}, nil
	}
	err = sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		SampleRate:       1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	slog.Info("sentry enabled", "environment", environment)
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// CapturePanic reports a recovered panic together with job context.
func CapturePanic(recovered any, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CurrentHub().Recover(recovered)
	})
}
