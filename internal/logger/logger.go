package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes one colourised line per event, tagged with a category such
// as DATABASE or KAFKA.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	exit   func(int)
	colors map[Level]*color.Color
}

// NewLogger logs to stdout at the level named by LOG_LEVEL.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout, ParseLevel(os.Getenv("LOG_LEVEL")))
}

func NewLoggerWithWriter(w io.Writer, level Level) *Logger {
	l := &Logger{
		out:   w,
		level: level,
		exit:  os.Exit,
		colors: map[Level]*color.Color{
			LevelDebug: color.New(color.FgHiBlack),
			LevelInfo:  color.New(color.FgGreen),
			LevelWarn:  color.New(color.FgYellow),
			LevelError: color.New(color.FgRed),
			LevelFatal: color.New(color.FgHiRed, color.Bold),
		},
	}
	if w != os.Stdout {
		for _, c := range l.colors {
			c.DisableColor()
		}
	}
	return l
}

// Nop discards everything. Handy in tests.
func Nop() *Logger {
	return NewLoggerWithWriter(io.Discard, LevelFatal+1)
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) log(level Level, category, msg string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	ts := time.Now().UTC().Format("2006-01-02 15:04:05.000")
	tag := l.colors[level].Sprintf("%-5s", levelNames[level])
	fmt.Fprintf(l.out, "%s [%s] [%s] %s\n", ts, tag, category, msg)
}

func (l *Logger) Debug(category, msg string) { l.log(LevelDebug, category, msg) }
func (l *Logger) Info(category, msg string)  { l.log(LevelInfo, category, msg) }
func (l *Logger) Warn(category, msg string)  { l.log(LevelWarn, category, msg) }
func (l *Logger) Error(category, msg string) { l.log(LevelError, category, msg) }

// Fatal logs and terminates the process.
func (l *Logger) Fatal(category, msg string) {
	l.log(LevelFatal, category, msg)
	l.exit(1)
}

func (l *Logger) LogProcess(stage, msg string) {
	l.log(LevelInfo, "PROCESS", fmt.Sprintf("%s: %s", stage, msg))
}

func (l *Logger) LogDatabase(op, db, msg string) {
	l.log(LevelDebug, "DATABASE", fmt.Sprintf("[%s] %s: %s", db, op, msg))
}

func (l *Logger) LogKafka(op, topic, msg string) {
	l.log(LevelInfo, "KAFKA", fmt.Sprintf("[%s] %s: %s", topic, op, msg))
}

func (l *Logger) LogAPI(method, path, status, duration string) {
	l.log(LevelInfo, "API", fmt.Sprintf("%s %s - %s (%s)", method, path, status, duration))
}

func (l *Logger) LogSecurity(event, msg string) {
	l.log(LevelWarn, "SECURITY", fmt.Sprintf("%s: %s", event, msg))
}

// LogBooking records a booking lifecycle step.
func (l *Logger) LogBooking(op, bookingID, msg string) {
	l.log(LevelInfo, "BOOKING", fmt.Sprintf("[%s] %s: %s", bookingID, op, msg))
}

// Close flushes the underlying writer when it supports it.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.out.(interface{ Sync() error }); ok && l.out != os.Stdout {
		return s.Sync()
	}
	return nil
}
