// Package logging provides structured logging shared by the local gateway
// and the remote server.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output, for tests.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var sessionCounter atomic.Uint64

// NextSessionID returns a process-unique, monotonically increasing session
// identifier. It's cheap enough to call on every accepted connection and
// needs no external entropy source, unlike the wizard's random tokens.
func NextSessionID() string {
	return strconv.FormatUint(sessionCounter.Add(1), 10)
}

// With scopes a logger to one session, tagging every record it emits with
// the session's ID and its role (gateway client, remote tunnel, etc.) so
// log lines from concurrent sessions can be told apart.
func With(log *slog.Logger, sessionID, role string) *slog.Logger {
	return log.With(KeySessionID, sessionID, KeyRole, role)
}

// Common attribute keys for consistent logging across the gateway and
// remote server.
const (
	KeySessionID   = "session_id"
	KeyRole        = "role"
	KeyRemoteAddr  = "remote_addr"
	KeyLocalAddr   = "local_addr"
	KeyTargetAddr  = "target_addr"
	KeyCommand     = "command"
	KeyAddrType    = "addr_type"
	KeyErrorCode   = "error_code"
	KeyBytesIn     = "bytes_in"
	KeyBytesOut    = "bytes_out"
	KeyDuration    = "duration"
	KeyError       = "error"
	KeyComponent   = "component"
	KeyAssociation = "udp_association"
)
