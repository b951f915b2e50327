package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZipRecruiter/gradle/internal/app"
	"github.com/ZipRecruiter/gradle/internal/classpath"
	"github.com/ZipRecruiter/gradle/internal/config"
	"github.com/ZipRecruiter/gradle/internal/logging"
	"github.com/ZipRecruiter/gradle/internal/ports"
	"github.com/ZipRecruiter/gradle/internal/ratelimiting"
	"github.com/ZipRecruiter/gradle/internal/reporting"
	"github.com/ZipRecruiter/gradle/internal/telemetry"
	"github.com/ZipRecruiter/gradle/loadercache"
	"github.com/ZipRecruiter/gradle/reclaim"
	"github.com/google/uuid"

	// Root certificates for images without a system trust store
	_ "golang.org/x/crypto/x509roots/fallback"
)

const serviceName = "loadercache"

func main() {
	instanceID := uuid.New().String()
	// Responses go to stdout, logs go to stderr
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, nil)

	config, err := config.ConfigFromEnv()
	if err != nil {
		slog.New(handler).Error("Failed to load config", "error", err.Error())
		os.Exit(1)
	}

	handler = logging.NewTraceHandler(handler, config.GoogleCloudProject())
	logger := slog.New(handler).With("instanceID", instanceID)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	logger.Info("Loaded config", "config", config.NonSensitiveString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.AddToContext(ctx, logger)

	if config.OTelEnabled() {
		shutdown, err := telemetry.SetupOTelSDK(ctx, serviceName)
		if err != nil {
			fail("Failed to set up OpenTelemetry", "error", err.Error())
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
			}
		}()
		logger.Info("Initialized OpenTelemetry")
	}

	flush, err := reporting.NewSentryOrMock(config)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry")

	reportLimiter, stopReportLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(1.0/60.0),
		ratelimiting.BurstSize(5),
		time.Hour,
	)
	defer stopReportLimiter()
	report := reporting.NewRateLimitedReport(reportLimiter, reporting.Report)

	registry, err := reclaim.NewRegistry(
		reclaim.WithLogger(logger.With("component", "reclaim")),
		reclaim.WithReportFunc(report),
	)
	if err != nil {
		fail("Failed to initialize registry", "error", err.Error())
	}

	classLoaderCache, err := loadercache.New[string, *classpath.Context](
		loadercache.WithRegistry(registry),
		loadercache.WithRetention(config.RetainTTL(), config.RetainCapacity()),
	)
	if err != nil {
		fail("Failed to initialize class loader cache", "error", err.Error())
	}
	defer classLoaderCache.Close()

	resolveClass := app.BuildResolveClassWithCache(classLoaderCache, report)
	clearClassLoaders := app.BuildClearClassLoaders(classLoaderCache)

	logger.Info("Init complete")
	err = ports.Serve(ctx, os.Stdin, os.Stdout, resolveClass, clearClassLoaders, logger.With("port", "commands"))
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info("Shutdown")
	} else {
		fail("Serve error", "error", err.Error())
	}
}
