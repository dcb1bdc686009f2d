// Package logger is the engine's structured logging front door. It keeps
// the terse call shape (Info/Success/Warn/Error/Banner) used throughout the
// codebase while attaching the structured fields (session id, date, symbol,
// decision context) the error handling design requires on every record.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.Mutex
	base *zap.SugaredLogger
)

func sugared() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		z, err := zap.NewProduction()
		if err != nil {
			z = zap.NewNop()
		}
		base = z.Sugar()
	}
	return base
}

// Context carries the structured fields every run-scoped log line should
// attach: session id, date, symbol, and a free-form decision note.
type Context struct {
	SessionID string
	Date      string
	Symbol    string
	Decision  string
}

func (c Context) fields() []interface{} {
	var f []interface{}
	if c.SessionID != "" {
		f = append(f, "session_id", c.SessionID)
	}
	if c.Date != "" {
		f = append(f, "date", c.Date)
	}
	if c.Symbol != "" {
		f = append(f, "symbol", c.Symbol)
	}
	if c.Decision != "" {
		f = append(f, "decision", c.Decision)
	}
	return f
}

// Info logs a routine informational event under tag.
func Info(tag, msg string) {
	sugared().Infow(msg, "tag", tag)
}

// InfoCtx logs msg with the structured run context attached.
func InfoCtx(tag, msg string, ctx Context) {
	sugared().Infow(msg, append([]interface{}{"tag", tag}, ctx.fields()...)...)
}

// Success logs a completed operation.
func Success(tag, msg string) {
	sugared().Infow(msg, "tag", tag, "result", "success")
}

// SuccessCtx logs a completed operation with the structured run context
// attached.
func SuccessCtx(tag, msg string, ctx Context) {
	fields := append([]interface{}{"tag", tag, "result", "success"}, ctx.fields()...)
	sugared().Infow(msg, fields...)
}

// Warn logs a recoverable problem: a broker rejection, a retried transient
// error, a dropped order.
func Warn(tag, msg string) {
	sugared().Warnw(msg, "tag", tag)
}

// WarnCtx logs a recoverable problem with the structured run context
// attached.
func WarnCtx(tag, msg string, ctx Context) {
	fields := append([]interface{}{"tag", tag}, ctx.fields()...)
	sugared().Warnw(msg, fields...)
}

// Error logs a session-ending failure.
func Error(tag, msg string) {
	sugared().Errorw(msg, "tag", tag)
}

// ErrorCtx logs a session-ending failure with the structured run context
// attached.
func ErrorCtx(tag, msg string, ctx Context) {
	fields := append([]interface{}{"tag", tag}, ctx.fields()...)
	sugared().Errorw(msg, fields...)
}

// Banner prints the engine's startup banner for version.
func Banner(version string) {
	fmt.Printf("\n=== White Light %s ===\n\n", version)
}

// Section prints a section header, used to separate phases of a run in
// human-facing output (warm-up, signals, allocation, execution).
func Section(title string) {
	fmt.Printf("\n--- %s ---\n", title)
}

// Stats prints a single key/value telemetry line.
func Stats(key string, value interface{}) {
	fmt.Printf("%-28s %v\n", key+":", value)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	mu.Lock()
	b := base
	mu.Unlock()
	if b != nil {
		_ = b.Sync()
	}
}
