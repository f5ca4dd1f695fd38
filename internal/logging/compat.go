package logging

import (
	"context"
	"log/slog"
	"strings"
)

// BridgeWriter is an io.Writer for log.SetOutput: stdlib log lines from
// dependencies become slog records. A "[category] " prefix picks the
// component and a leading "WARN:" or "ERROR:" picks the level.
type BridgeWriter struct {
	fallback string
}

// NewBridgeWriter returns a bridge that tags untagged lines with
// defaultComponent.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{fallback: defaultComponent}
}

// Write emits one record per non-blank line in p.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	logger := Logger()
	for _, line := range strings.Split(string(p), "\n") {
		line = stripLogTimestamp(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		component, level, msg := bw.classify(line)
		logger.LogAttrs(context.Background(), level, msg, slog.String("component", component))
	}
	return len(p), nil
}

func (bw *BridgeWriter) classify(line string) (string, slog.Level, string) {
	component := bw.fallback
	if rest, ok := strings.CutPrefix(line, "["); ok {
		if cat, msg, found := strings.Cut(rest, "] "); found && cat != "" {
			component = canonicalComponent(strings.ToLower(cat))
			line = msg
		}
	}

	level := slog.LevelInfo
	for prefix, lvl := range levelPrefixes {
		if msg, ok := strings.CutPrefix(line, prefix); ok {
			level = lvl
			line = strings.TrimSpace(msg)
			break
		}
	}
	return component, level, line
}

var levelPrefixes = map[string]slog.Level{
	"DEBUG:": slog.LevelDebug,
	"WARN:":  slog.LevelWarn,
	"ERROR:": slog.LevelError,
}

// stripLogTimestamp drops a "15:04:05 " or "15:04:05.000000 " prefix written
// by log.Ltime, with or without log.Lmicroseconds.
func stripLogTimestamp(s string) string {
	if len(s) < 9 || s[2] != ':' || s[5] != ':' {
		return s
	}
	if s[8] == ' ' {
		return s[9:]
	}
	if len(s) > 16 && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	return s
}

// canonicalComponent folds the prefixes our dependencies use onto component
// names.
func canonicalComponent(cat string) string {
	switch cat {
	case "mcp", "jsonrpc", "streamable":
		return CompMCP
	case "http", "websocket", "ws":
		return CompHTTP
	case "tail", "flock", "sqlite":
		return CompDaemon
	case "tmux", "pane":
		return CompTmux
	case "llm", "openai":
		return CompDecide
	}
	return cat
}
