// Package logging builds the process logger: a console handler for the
// operator plus the OpenTelemetry log bridge.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "voicegate"

type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// Bridge also forwards records to the global OpenTelemetry logger provider.
	Bridge bool
}

// New returns a logger writing to w.
func New(w io.Writer, o Options) (*slog.Logger, error) {
	level, err := ParseLevel(o.Level)
	if err != nil {
		return nil, err
	}
	ho := &slog.HandlerOptions{Level: level}
	var console slog.Handler
	switch strings.ToLower(o.Format) {
	case "", "text":
		console = slog.NewTextHandler(w, ho)
	case "json":
		console = slog.NewJSONHandler(w, ho)
	default:
		return nil, fmt.Errorf("unknown log format %q", o.Format)
	}
	if !o.Bridge {
		return slog.New(console), nil
	}
	return slog.New(slogmulti.Fanout(console, otelslog.NewHandler(scopeName))), nil
}

func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}
