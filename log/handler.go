package log

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

type discardHandler struct{}

func (discardHandler) Log(*Record) error { return nil }

// DiscardHandler returns a Handler that drops every record. Used as the
// root logger's handler before SetHandler is first called.
func DiscardHandler() Handler { return discardHandler{} }

type streamHandler struct {
	mu  sync.Mutex
	w   io.Writer
	fmt Format
}

// StreamHandler writes formatted records to w, serializing writes so
// concurrent loggers don't interleave lines.
func StreamHandler(w io.Writer, f Format) Handler {
	return &streamHandler{w: w, fmt: f}
}

func (h *streamHandler) Log(r *Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(h.fmt.Format(r))
	return err
}

// isTerminal reports whether f is a color-capable terminal.
func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// StderrHandler returns a StreamHandler writing to os.Stderr, wrapped
// in go-colorable so ANSI sequences render correctly on Windows
// consoles, using a colorized TerminalFormat when os.Stderr is a tty.
func StderrHandler() Handler {
	w := colorable.NewColorableStderr()
	return StreamHandler(w, TerminalFormat(isTerminal(os.Stderr)))
}

// MultiHandler fans a record out to every given handler, logging the
// first error encountered (if any) and continuing to the rest.
func MultiHandler(handlers ...Handler) Handler {
	return multiHandler(handlers)
}

type multiHandler []Handler

func (hs multiHandler) Log(r *Record) error {
	var firstErr error
	for _, h := range hs {
		if err := h.Log(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LvlFilterHandler drops any record more verbose than maxLvl before
// passing the rest to h.
func LvlFilterHandler(maxLvl Lvl, h Handler) Handler {
	return &lvlFilter{maxLvl: maxLvl, next: h}
}

type lvlFilter struct {
	maxLvl Lvl
	next   Handler
}

func (f *lvlFilter) Log(r *Record) error {
	if r.Lvl > f.maxLvl {
		return nil
	}
	return f.next.Log(r)
}
