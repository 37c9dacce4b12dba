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

	"github.com/fatih/color"
)

// ConsoleLogger implements Tier 1: Console/Terminal logging
// Features:
// - Structured logging with log/slog
// - Async buffered writing (64KB buffer)
// - JSON or colored text format
// - <10μs overhead for enabled logs
// - <100ns overhead for disabled logs
type ConsoleLogger struct {
	config    *Config
	handler   slog.Handler
	writer    *bufferedWriter
	closeChan chan struct{}
	wg        sync.WaitGroup
}

// bufferedWriter provides async buffered writing with periodic flushing
type bufferedWriter struct {
	writer        io.Writer
	buffer        chan []byte
	flushInterval time.Duration
	mu            sync.Mutex
	closed        bool
}

// newBufferedWriter creates a new buffered writer
func newBufferedWriter(w io.Writer, bufferSize int, flushInterval time.Duration) *bufferedWriter {
	bw := &bufferedWriter{
		writer:        w,
		buffer:        make(chan []byte, bufferSize/256), // Approximate number of log entries
		flushInterval: flushInterval,
	}

	// Start background flusher
	go bw.flusher()

	return bw
}

// Write implements io.Writer
func (bw *bufferedWriter) Write(p []byte) (n int, err error) {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return 0, fmt.Errorf("writer is closed")
	}
	bw.mu.Unlock()

	// Make a copy since the slice might be reused
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case bw.buffer <- buf:
		return len(p), nil
	default:
		// Buffer full, write directly (fallback)
		return bw.writer.Write(p)
	}
}

// flusher runs in a goroutine and periodically flushes buffered writes
func (bw *bufferedWriter) flusher() {
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case buf := <-bw.buffer:
			// Ignore write errors in background flusher - nothing we can do
			_, _ = bw.writer.Write(buf)
		case <-ticker.C:
			// Drain buffer on tick
			bw.drain()
		}
	}
}

// drain writes all buffered data
func (bw *bufferedWriter) drain() {
	for {
		select {
		case buf := <-bw.buffer:
			// Ignore write errors during drain - nothing we can do
			_, _ = bw.writer.Write(buf)
		default:
			return
		}
	}
}

// Close flushes and closes the buffered writer
func (bw *bufferedWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	// Drain remaining buffered writes
	bw.drain()

	return nil
}

// NewConsoleLogger creates a new console logger
func NewConsoleLogger(config *Config) (*ConsoleLogger, error) {
	cl := &ConsoleLogger{
		config:    config,
		closeChan: make(chan struct{}),
	}

	// Create buffered writer
	cl.writer = newBufferedWriter(
		os.Stdout,
		config.Console.BufferSize,
		config.Console.FlushInterval,
	)

	// Create slog handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: slogLevel(config.Level),
	}

	if config.Format == FormatJSON {
		handler = slog.NewJSONHandler(cl.writer, opts)
	} else {
		// Text format with optional colors
		if config.Console.Color {
			handler = newColorTextHandler(cl.writer, opts)
		} else {
			handler = slog.NewTextHandler(cl.writer, opts)
		}
	}

	cl.handler = handler

	return cl, nil
}

// log writes a log entry to console
func (cl *ConsoleLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	// Create slog record
	var slogLvl slog.Level
	switch level {
	case LevelDebug:
		slogLvl = slog.LevelDebug
	case LevelInfo:
		slogLvl = slog.LevelInfo
	case LevelWarn:
		slogLvl = slog.LevelWarn
	case LevelError:
		slogLvl = slog.LevelError
	}

	record := slog.NewRecord(time.Now(), slogLvl, msg, 0)

	// Add component and source
	if component != "" {
		record.AddAttrs(slog.String("component", string(component)))
	}
	if source != "" {
		record.AddAttrs(slog.String("log_source", string(source)))
	}

	// Add fields
	for k, v := range fields {
		record.AddAttrs(slog.Any(k, v))
	}

	// Handle the record - ignore errors as there's no good way to handle them in logging
	_ = cl.handler.Handle(context.TODO(), record)
}

// Close flushes and closes the console logger
func (cl *ConsoleLogger) Close() error {
	close(cl.closeChan)
	cl.wg.Wait()
	return cl.writer.Close()
}

// slogLevel converts our LogLevel to slog.Level
func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorTextHandler is a custom slog handler with colored output
type colorTextHandler struct {
	w    io.Writer
	opts *slog.HandlerOptions
	mu   sync.Mutex

	// Color functions
	debugColor *color.Color
	infoColor  *color.Color
	warnColor  *color.Color
	errorColor *color.Color
}

// newColorTextHandler creates a new colored text handler
func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	return &colorTextHandler{
		w:          w,
		opts:       opts,
		debugColor: color.New(color.FgCyan),
		infoColor:  color.New(color.FgGreen),
		warnColor:  color.New(color.FgYellow),
		errorColor: color.New(color.FgRed, color.Bold),
	}
}

// componentColors tags each component with its own color so a terminal
// tailing a worker's output can tell at a glance whether a line came from
// job execution (pipeline), retry/result bookkeeping (reporter), the cron
// or due-set scheduler, or the supervisor tying them together.
var componentColors = map[Component]*color.Color{
	ComponentAPI:        color.New(color.FgBlue),
	ComponentQueue:      color.New(color.FgMagenta),
	ComponentPipeline:   color.New(color.FgCyan),
	ComponentReporter:   color.New(color.FgGreen),
	ComponentScheduler:  color.New(color.FgYellow),
	ComponentSupervisor: color.New(color.FgHiWhite),
	ComponentLock:       color.New(color.FgRed),
	ComponentLogger:     color.New(color.FgHiBlack),
}

// Enabled implements slog.Handler
func (h *colorTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts != nil && h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle implements slog.Handler. It renders a Sidekiq-style plain-text
// line: timestamp, colored level, colored [component] tag, message, then
// jid= first (the field most worth scanning for) followed by the rest of
// the attributes.
func (h *colorTextHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var line strings.Builder
	line.WriteString(r.Time.Format(time.RFC3339))
	line.WriteByte(' ')

	var levelColor *color.Color
	switch r.Level {
	case slog.LevelDebug:
		levelColor = h.debugColor
	case slog.LevelWarn:
		levelColor = h.warnColor
	case slog.LevelError:
		levelColor = h.errorColor
	default:
		levelColor = h.infoColor
	}
	line.WriteString(levelColor.Sprintf("%-5s", strings.ToUpper(r.Level.String())))

	var component, jid string
	rest := make(map[string]interface{})
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "component":
			component = a.Value.String()
		case "jid":
			jid = a.Value.String()
		default:
			rest[a.Key] = a.Value.Any()
		}
		return true
	})

	if component != "" {
		c, ok := componentColors[Component(component)]
		if !ok {
			c = color.New(color.Reset)
		}
		line.WriteByte(' ')
		line.WriteString(c.Sprintf("[%s]", component))
	}

	line.WriteByte(' ')
	line.WriteString(r.Message)

	if jid != "" {
		fmt.Fprintf(&line, " jid=%s", jid)
	}
	for k, v := range rest {
		fmt.Fprintf(&line, " %s=%v", k, v)
	}
	line.WriteByte('\n')

	_, err := h.w.Write([]byte(line.String()))
	return err
}

// WithAttrs implements slog.Handler
func (h *colorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// For simplicity, return self (could be improved)
	return h
}

// WithGroup implements slog.Handler
func (h *colorTextHandler) WithGroup(name string) slog.Handler {
	// For simplicity, return self (could be improved)
	return h
}
