package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ZipRecruiter/gradle/internal/config"
	"github.com/ZipRecruiter/gradle/internal/logging"
	"github.com/ZipRecruiter/gradle/internal/ratelimiting"
	"github.com/getsentry/sentry-go"
)

var uuidRx = regexp.MustCompile(`[0-9a-f]{8}-?([0-9a-f]{4}-?){3}[0-9a-f]{12}`)
var hostRx = regexp.MustCompile(`\[:{0,2}([0-9a-f]{0,4}:?){1,8}\]:\d+`)
var pathRx = regexp.MustCompile(`(^|[\s"'(])(/[^\s/:"'()]+)+/?`)

func sanitizeError(err string) string {
	err = uuidRx.ReplaceAllString(err, "<uuid>")
	err = hostRx.ReplaceAllString(err, "<host>")
	err = pathRx.ReplaceAllString(err, "${1}<path>")
	return err
}

// ReportFunc reports an error together with any extra context.
type ReportFunc = func(ctx context.Context, err error, extras ...map[string]string)

func Report(ctx context.Context, err error, extras ...map[string]string) {
	logger := logging.FromContext(ctx)
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}

	if err == nil {
		err = errors.New("No error provided")
	}

	logger.ErrorContext(
		ctx,
		"Reporting error to Sentry",
		slog.String("error", err.Error()),
		slog.Any("extras", extras),
	)

	hub.WithScope(func(scope *sentry.Scope) {
		meta := MetaFromContext(ctx)
		scope.SetTags(meta.tags)
		for key, value := range meta.extras {
			scope.SetExtra(key, value)
		}
		if !meta.startedAt.IsZero() {
			scope.SetExtra("secondsSinceStart", time.Since(meta.startedAt).Seconds())
		}

		for _, extra := range extras {
			if extra == nil {
				continue
			}
			for key, value := range extra {
				scope.SetExtra(key, value)
			}
		}

		scope.SetFingerprint([]string{"{{ default }}", sanitizeError(err.Error())})
		hub.CaptureException(err)
	})
}

// NewRateLimitedReport wraps report so that errors that look the same once
// uuids, hosts and paths are stripped share one rate limit.
func NewRateLimitedReport(limiter ratelimiting.RateLimiter, report ReportFunc) ReportFunc {
	return func(ctx context.Context, err error, extras ...map[string]string) {
		key := "<nil>"
		if err != nil {
			key = sanitizeError(err.Error())
		}

		if !limiter.Consume(key) {
			logging.FromContext(ctx).WarnContext(
				ctx,
				"Dropping rate limited error report",
				slog.String("error", key),
			)
			return
		}

		report(ctx, err, extras...)
	}
}

func InitSentry(sentryDSN string, environment string) (func(), error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         sentryDSN,
		Environment: environment,
	})
	if err != nil {
		return nil, err
	}

	flush := func() {
		sentry.Flush(5 * time.Second)
	}

	return flush, nil
}

func NewSentryOrMock(config config.Config) (func(), error) {
	if config.SentryDSN() != "" {
		return InitSentry(config.SentryDSN(), config.Environment())
	}

	if config.IsDevelopment() {
		flush := func() {}
		return flush, nil
	}

	return nil, fmt.Errorf("Missing Sentry DSN in non-development environment")
}
