package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	defaultLogger *slog.Logger
	defaultLevel  = new(slog.LevelVar)
)

func init() {
	defaultLevel.Set(slog.LevelInfo)
	defaultLogger = slog.New(NewHandler(os.Stdout, defaultLevel))
}

// SetLevel sets the minimum log level.
func SetLevel(level slog.Level) {
	defaultLevel.Set(level)
}

// ParseLevel maps a textual level ("debug", "info", "warn", "error") to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "dbg":
		return slog.LevelDebug, nil
	case "", "info", "inf":
		return slog.LevelInfo, nil
	case "warn", "warning", "wrn":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetOutput redirects the default logger, keeping the current level.
func SetOutput(w io.Writer) {
	defaultLogger = slog.New(NewHandler(w, defaultLevel))
}

func Default() *slog.Logger {
	return defaultLogger
}

// With returns a child of the default logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return defaultLogger.With(args...)
}

func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Handler writes one compact line per record: time, level tag, message, key=value pairs.
type Handler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	attrs []slog.Attr
	group string
	color bool
}

func NewHandler(out io.Writer, level slog.Leveler) *Handler {
	return &Handler{
		out:   out,
		mu:    &sync.Mutex{},
		level: level,
		color: isTerminal(out),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006-01-02 15:04:05"))
	b.WriteByte(' ')
	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, attr := range h.attrs {
		b.WriteByte(' ')
		b.WriteString(attrToString(attr, h.group))
	}
	r.Attrs(func(attr slog.Attr) bool {
		b.WriteByte(' ')
		b.WriteString(attrToString(attr, h.group))
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)

	clone := *h
	clone.attrs = newAttrs
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.group != "" {
		clone.group = h.group + "." + name
	} else {
		clone.group = name
	}
	return &clone
}

const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

func (h *Handler) levelTag(level slog.Level) string {
	tag, color := "INF", colorGreen
	switch {
	case level >= slog.LevelError:
		tag, color = "ERR", colorRed
	case level >= slog.LevelWarn:
		tag, color = "WRN", colorYellow
	case level < slog.LevelInfo:
		tag, color = "DBG", colorGray
	}
	if !h.color {
		return tag
	}
	return color + tag + colorReset
}

func attrToString(attr slog.Attr, group string) string {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}

	switch attr.Value.Kind() {
	case slog.KindTime:
		return fmt.Sprintf("%s=%s", key, attr.Value.Time().Format(time.RFC3339))
	case slog.KindDuration:
		return fmt.Sprintf("%s=%s", key, attr.Value.Duration().String())
	case slog.KindString:
		s := attr.Value.String()
		if strings.ContainsAny(s, " \t\"") {
			return fmt.Sprintf("%s=%q", key, s)
		}
		return key + "=" + s
	default:
		return fmt.Sprintf("%s=%v", key, attr.Value.Any())
	}
}

// isTerminal reports whether out is a character device; colors are dropped for files and pipes.
func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
