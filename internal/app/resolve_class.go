package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/ZipRecruiter/gradle/internal/classpath"
	"github.com/ZipRecruiter/gradle/internal/logging"
	"github.com/ZipRecruiter/gradle/internal/reporting"
	"github.com/ZipRecruiter/gradle/loadercache"
)

var ErrInvalidRequest = errors.New("invalid request")

type ResolveClass func(ctx context.Context, rawClasspath string, className string) (classpath.Location, error)

type ClearClassLoaders func(ctx context.Context)

type classLoaderCache interface {
	Get(ctx context.Context, key string, loader loadercache.Loader[*classpath.Context]) (*loadercache.Handle[*classpath.Context], error)
	Clear()
}

// normalizeClasspath returns the classpath entries as absolute paths, and the
// cache key they share with every other spelling of the same classpath.
func normalizeClasspath(rawClasspath string) ([]string, string) {
	entries := classpath.Split(rawClasspath)
	for i, entry := range entries {
		if abs, err := filepath.Abs(entry); err == nil {
			entries[i] = abs
		} else {
			entries[i] = filepath.Clean(entry)
		}
	}
	return entries, strings.Join(entries, string(filepath.ListSeparator))
}

func BuildResolveClassWithCache(cache classLoaderCache, report reporting.ReportFunc) ResolveClass {
	return func(ctx context.Context, rawClasspath string, className string) (classpath.Location, error) {
		entries, key := normalizeClasspath(rawClasspath)
		if len(entries) == 0 {
			return classpath.Location{}, fmt.Errorf("%w: empty classpath", ErrInvalidRequest)
		}
		if className == "" {
			return classpath.Location{}, fmt.Errorf("%w: empty class name", ErrInvalidRequest)
		}

		ctx = reporting.AddExtrasToContext(ctx, map[string]string{
			"classpath": key,
			"className": className,
		})

		handle, err := cache.Get(ctx, key, func() (*classpath.Context, error) {
			return classpath.Open(entries)
		})
		if err != nil {
			if errors.Is(err, loadercache.ErrComputationFailed) && !errors.Is(err, fs.ErrNotExist) {
				report(ctx, err)
			}
			return classpath.Location{}, fmt.Errorf("failed to get class loader: %w", err)
		}
		defer handle.Release()

		location, err := handle.Resource().Find(className)
		if err != nil {
			return classpath.Location{}, fmt.Errorf("failed to resolve class: %w", err)
		}

		return location, nil
	}
}

func BuildClearClassLoaders(cache classLoaderCache) ClearClassLoaders {
	return func(ctx context.Context) {
		cache.Clear()
		logging.FromContext(ctx).InfoContext(ctx, "Cleared class loaders")
	}
}
