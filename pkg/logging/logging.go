// Package logging wires the process-wide logger for the peerlink
// binaries: a text handler on stderr, optionally fanned out to extra
// handlers such as the telemetry package's OTLP mirror.
package logging

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Configure installs the default slog logger at the given level (one of
// debug, info, warn, error; anything else means info) and reroutes
// stdlib log.Printf call sites through it, promoting their "component:"
// prefixes into attributes. Call once at startup, before any component
// is constructed; never from library code.
func Configure(level string, extra ...slog.Handler) {
	lvl := parseLevel(level)

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	if len(extra) > 0 {
		handler = fanout(append([]slog.Handler{handler}, extra...))
	}
	slog.SetDefault(slog.New(handler))

	// Stdlib log output is rerouted at the configured level, so the few
	// remaining log.Printf call sites pass the filter regardless of how
	// strict it is.
	log.SetFlags(0)
	log.SetOutput(printfWriter{level: lvl})
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// printfWriter adapts stdlib log output to slog records. A leading
// "component: " prefix, the convention used across this codebase's
// log.Printf calls, becomes a component attribute.
type printfWriter struct {
	level slog.Level
}

func (w printfWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSuffix(string(p), "\n")
	if component, rest, ok := splitComponent(msg); ok {
		slog.Log(context.Background(), w.level, rest, "component", component)
	} else {
		slog.Log(context.Background(), w.level, msg)
	}
	return len(p), nil
}

// splitComponent splits "registry: upsert failed" into ("registry",
// "upsert failed"). A component is a short all-lowercase word; anything
// else (say, an IPv6 address or a sentence with a colon mid-way) is left
// as the message body.
func splitComponent(msg string) (component, rest string, ok bool) {
	head, tail, found := strings.Cut(msg, ": ")
	if !found || head == "" || len(head) > 16 {
		return "", "", false
	}
	for i := 0; i < len(head); i++ {
		if head[i] < 'a' || head[i] > 'z' {
			return "", "", false
		}
	}
	return head, tail, true
}

// fanout delivers every record to all handlers, so the stderr text log
// and the telemetry mirror see the same stream.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
