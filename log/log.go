// Package log provides a leveled, structured logger used throughout the
// engine core. It mirrors the shape of go-ethereum's log package: a
// package-level root logger, component-scoped child loggers created
// with New(ctx...), and calls that take a message followed by
// alternating key/value pairs.
package log

import (
	"fmt"
	"os"
	"time"

	"github.com/go-stack/stack"
)

// Lvl is a log level, ordered from most to least severe.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Record is a single log event handed to a Handler.
type Record struct {
	Time time.Time
	Lvl  Lvl
	Msg  string
	Ctx  []interface{}
}

// Handler processes log records. Implementations must be safe for
// concurrent use.
type Handler interface {
	Log(r *Record) error
}

// Logger emits Records to a Handler, carrying its own fixed context
// (bound at New time) ahead of each call's context.
type Logger interface {
	New(ctx ...interface{}) Logger

	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})

	GetHandler() Handler
	SetHandler(h Handler)
}

type logger struct {
	ctx []interface{}
	h   *swapHandler
}

// swapHandler lets SetHandler take effect for a logger and all loggers
// derived from it via New, without re-wiring child loggers.
type swapHandler struct {
	handler Handler
}

func (s *swapHandler) Log(r *Record) error {
	return s.handler.Log(r)
}

// Root is the default logger used by the package-level Trace/Debug/...
// functions.
var Root Logger = &logger{h: &swapHandler{handler: DiscardHandler()}}

func init() {
	Root.SetHandler(StderrHandler())
}

// New returns a child logger whose bound context is ctx appended to the
// parent's bound context.
func New(ctx ...interface{}) Logger {
	return Root.New(ctx...)
}

func (l *logger) New(ctx ...interface{}) Logger {
	child := &logger{h: l.h}
	child.ctx = make([]interface{}, 0, len(l.ctx)+len(ctx))
	child.ctx = append(child.ctx, l.ctx...)
	child.ctx = append(child.ctx, normalize(ctx)...)
	return child
}

func normalize(ctx []interface{}) []interface{} {
	if len(ctx)%2 != 0 {
		ctx = append(ctx, nil)
	}
	return ctx
}

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	full := make([]interface{}, 0, len(l.ctx)+len(ctx))
	full = append(full, l.ctx...)
	full = append(full, normalize(ctx)...)
	_ = l.h.Log(&Record{Time: time.Now(), Lvl: lvl, Msg: msg, Ctx: full})
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }

// Crit logs at LvlCrit, appending the caller's stack trace, and
// terminates the process. Only genuine, unrecoverable invariant
// violations should reach this path; everything else must use the
// core/epstatus error taxonomy instead.
func (l *logger) Crit(msg string, ctx ...interface{}) {
	full := append(append([]interface{}{}, ctx...), "stack", stack.Trace().TrimRuntime())
	l.write(LvlCrit, msg, full)
	os.Exit(1)
}

func (l *logger) GetHandler() Handler { return l.h.handler }
func (l *logger) SetHandler(h Handler) {
	l.h.handler = h
}

// Package-level convenience wrappers over Root, using the familiar
// calling convention (log.Info("msg", "k", v, ...)).
func Trace(msg string, ctx ...interface{}) { Root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { Root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { Root.Crit(msg, ctx...) }

// Lazy wraps a function whose result is only computed if the record is
// actually emitted, for expensive-to-format values.
type Lazy struct {
	Fn interface{}
}

func (l Lazy) String() string {
	switch fn := l.Fn.(type) {
	case func() string:
		return fn()
	case func() interface{}:
		return fmt.Sprintf("%v", fn())
	default:
		return fmt.Sprintf("%v", l.Fn)
	}
}
