package log

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// Format renders a Record to a byte slice.
type Format interface {
	Format(r *Record) []byte
}

type formatFunc func(*Record) []byte

func (f formatFunc) Format(r *Record) []byte { return f(r) }

var lvlColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgMagenta),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgHiBlack),
}

// TerminalFormat renders records one-per-line as
// "LVL[time] msg key=value ...", colorized by level when color is true.
// Mirrors go-ethereum's log.TerminalFormat, which colorizes using the
// same per-level ANSI convention, here via fatih/color rather than
// hand-rolled escape codes.
func TerminalFormat(useColor bool) Format {
	return formatFunc(func(r *Record) []byte {
		var b strings.Builder
		lvl := fmt.Sprintf("%-5s", r.Lvl.String())
		if useColor {
			lvl = lvlColor[r.Lvl].Sprint(lvl)
		}
		b.WriteString(lvl)
		fmt.Fprintf(&b, "[%s] %s", r.Time.Format("01-02|15:04:05.000"), r.Msg)
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			fmt.Fprintf(&b, " %v=%v", r.Ctx[i], formatValue(r.Ctx[i+1]))
		}
		b.WriteByte('\n')
		return []byte(b.String())
	})
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// LogfmtFormat renders records in logfmt (key=value, space-separated,
// quoted where necessary) for log aggregation pipelines.
func LogfmtFormat() Format {
	return formatFunc(func(r *Record) []byte {
		var b strings.Builder
		fmt.Fprintf(&b, "t=%s lvl=%s msg=%q", r.Time.Format("2006-01-02T15:04:05.000Z0700"), strings.ToLower(r.Lvl.String()), r.Msg)
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			fmt.Fprintf(&b, " %v=%q", r.Ctx[i], formatValue(r.Ctx[i+1]))
		}
		b.WriteByte('\n')
		return []byte(b.String())
	})
}
