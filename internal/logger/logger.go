package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ANSI color codes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Gray   = "\033[37m"
)

type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	attrs := ""
	r.Attrs(func(a slog.Attr) bool {
		attrs += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})

	timeStr := r.Time.Format(time.TimeOnly)
	msg := fmt.Sprintf("%s%s%s [%s] %s%s\n", levelColor, r.Level.String()[:4], Reset, timeStr, r.Message, attrs)

	_, err := h.out.Write([]byte(msg))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}

// DailyFileHandler appends JSON records to scraper_YYYY-MM-DD.log under the
// log directory, rolling to a new file when the date changes.
type DailyFileHandler struct {
	mu    sync.Mutex
	dir   string
	day   string
	file  *os.File
	inner slog.Handler
}

func NewDailyFileHandler(dir string) (*DailyFileHandler, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	h := &DailyFileHandler{dir: dir}
	if err := h.roll(time.Now()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *DailyFileHandler) roll(now time.Time) error {
	day := now.Format("2006-01-02")
	if day == h.day && h.file != nil {
		return nil
	}
	if h.file != nil {
		h.file.Close()
	}
	f, err := os.OpenFile(filepath.Join(h.dir, "scraper_"+day+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	h.day = day
	h.file = f
	h.inner = slog.NewJSONHandler(f, nil)
	return nil
}

func (h *DailyFileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *DailyFileHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.roll(r.Time); err != nil {
		return err
	}
	return h.inner.Handle(ctx, r)
}

func (h *DailyFileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *DailyFileHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *DailyFileHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file != nil {
		return h.file.Close()
	}
	return nil
}

// New creates the process logger: colored console output plus an append-only
// daily JSON log under <downloadDir>/logs.
func New(downloadDir string, consoleOutput io.Writer) (*slog.Logger, *DailyFileHandler, error) {
	fileHandler, err := NewDailyFileHandler(filepath.Join(downloadDir, "logs"))
	if err != nil {
		return nil, nil, err
	}

	handler := &FanoutHandler{
		handlers: []slog.Handler{fileHandler, NewConsoleHandler(consoleOutput)},
	}

	return slog.New(handler), fileHandler, nil
}

type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		_ = handler.Handle(ctx, r)
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}
