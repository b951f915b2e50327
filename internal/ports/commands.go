package ports

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ZipRecruiter/gradle/internal/app"
	"github.com/ZipRecruiter/gradle/internal/classpath"
	"github.com/ZipRecruiter/gradle/internal/logging"
	"github.com/ZipRecruiter/gradle/internal/reporting"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

type response struct {
	Success   bool   `json:"success"`
	Command   string `json:"command"`
	ClassName string `json:"className,omitempty"`
	Entry     string `json:"entry,omitempty"`
	Name      string `json:"name,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Cause     string `json:"cause,omitempty"`
}

// Classpaths of large builds run to hundreds of kilobytes.
const maxCommandLength = 16 << 20

// Serve reads one command per line from in and writes one JSON response per
// command to out, until in is exhausted or ctx is done.
//
// Commands:
//
//	resolve <classpath> <class name>
//	clear
//
// Empty lines and lines starting with # are ignored.
func Serve(
	ctx context.Context,
	in io.Reader,
	out io.Writer,
	resolveClass app.ResolveClass,
	clearClassLoaders app.ClearClassLoaders,
	rootLogger *slog.Logger,
) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCommandLength)
	encoder := json.NewEncoder(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		start := time.Now()
		commandCtx := commandContext(ctx, rootLogger)
		resp := handleCommand(commandCtx, line, resolveClass, clearClassLoaders)
		recordCommand(commandCtx, resp, start)
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read commands: %w", err)
	}
	return nil
}

func commandContext(ctx context.Context, rootLogger *slog.Logger) context.Context {
	ctx = sentry.SetHubOnContext(ctx, sentry.CurrentHub().Clone())
	ctx = reporting.SetStartedAtInContext(ctx, time.Now())
	ctx = logging.AddToContext(ctx, rootLogger.With(slog.String("commandId", uuid.New().String())))
	return ctx
}

func handleCommand(ctx context.Context, line string, resolveClass app.ResolveClass, clearClassLoaders app.ClearClassLoaders) response {
	fields := strings.Fields(line)
	command := fields[0]

	ctx = reporting.AddTagsToContext(ctx, map[string]string{"command": command})
	ctx = logging.AddMetaToContext(ctx, slog.String("command", command))
	logger := logging.FromContext(ctx)

	switch command {
	case "resolve":
		if len(fields) != 3 {
			return response{Command: command, Cause: "usage: resolve <classpath> <class name>"}
		}
		return handleResolve(ctx, fields[1], fields[2], resolveClass)
	case "clear":
		if len(fields) != 1 {
			return response{Command: command, Cause: "usage: clear"}
		}
		clearClassLoaders(ctx)
		return response{Success: true, Command: command}
	default:
		logger.InfoContext(ctx, "Unknown command")
		return response{Command: command, Cause: "unknown command"}
	}
}

func handleResolve(ctx context.Context, rawClasspath string, className string, resolveClass app.ResolveClass) response {
	ctx = logging.AddMetaToContext(ctx, slog.String("className", className))
	logger := logging.FromContext(ctx)

	resp := response{Command: "resolve", ClassName: className}

	location, err := resolveClass(ctx, rawClasspath, className)
	switch {
	case errors.Is(err, classpath.ErrClassNotFound):
		resp.Cause = "not found"
		return resp
	case errors.Is(err, app.ErrInvalidRequest):
		resp.Cause = "invalid request"
		return resp
	case err != nil:
		// NOTE: ResolveClass handles its own error reporting
		logger.ErrorContext(ctx, "Failed to resolve class", slog.String("error", err.Error()))
		resp.Cause = "failed to open classpath"
		return resp
	}

	logger.InfoContext(ctx, "Resolved class", slog.String("entry", location.Entry))

	resp.Success = true
	resp.Entry = location.Entry
	resp.Name = location.Name
	resp.Size = location.Size
	return resp
}
