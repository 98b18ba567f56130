// Package logutil configures structured logging for mapdraft binaries.
//
// Logs are JSON via slog. INFO and below go to stdout, WARN and ERROR to
// stderr; when stdout is a terminal the stdout stream is re-indented for
// reading, otherwise it stays compact for aggregators.
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
)

var stdoutIsTTY bool

func init() {
	if stat, err := os.Stdout.Stat(); err == nil {
		stdoutIsTTY = stat.Mode()&os.ModeCharDevice != 0
	}
}

// NewLogger builds the process logger at the given minimum level
// ("debug", "info", "warn", "error"; anything else means info).
func NewLogger(level string) *slog.Logger {
	handler := slog.NewJSONHandler(Output(), &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Output returns the destination writer for slog's JSON handler. Each line
// is routed by its "level" field: warnings and errors to stderr, the rest
// to stdout.
func Output() io.Writer {
	out := io.Writer(os.Stdout)
	if stdoutIsTTY {
		out = &indentingWriter{w: out}
	}
	return &severityRouter{out: out, errOut: os.Stderr}
}

type severityRouter struct {
	out    io.Writer
	errOut io.Writer
}

func (r *severityRouter) Write(p []byte) (int, error) {
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &entry); err != nil {
		// Not a JSON log line; stderr is the safe place for it.
		return r.errOut.Write(p)
	}
	switch entry.Level {
	case "WARN", "ERROR":
		return r.errOut.Write(p)
	default:
		return r.out.Write(p)
	}
}

// indentingWriter re-indents each JSON line for terminal reading.
type indentingWriter struct {
	w io.Writer
}

func (iw *indentingWriter) Write(p []byte) (int, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimRight(p, "\n"), "", "  "); err != nil {
		return iw.w.Write(p)
	}
	buf.WriteByte('\n')
	if _, err := iw.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	// Report the original length to keep the io.Writer contract.
	return len(p), nil
}
