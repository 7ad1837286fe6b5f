package client

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/danmuck/edgechat/internal/protocol"
)

// Renderer prints messages one per line.
type Renderer struct {
	out        io.Writer
	TimeFormat string

	stamp  *color.Color
	sender *color.Color
	system *color.Color
	direct *color.Color
}

// NewRenderer colors output only when colorize is set.
func NewRenderer(out io.Writer, colorize bool) *Renderer {
	r := &Renderer{
		out:        out,
		TimeFormat: "15:04:05",
		stamp:      color.New(color.FgHiBlack),
		sender:     color.New(color.FgCyan, color.Bold),
		system:     color.New(color.FgYellow),
		direct:     color.New(color.FgMagenta, color.Bold),
	}
	for _, c := range []*color.Color{r.stamp, r.sender, r.system, r.direct} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// NewTerminalRenderer colors output when f is a terminal.
func NewTerminalRenderer(f *os.File) *Renderer {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return NewRenderer(f, tty && !color.NoColor)
}

func (r *Renderer) Render(msg protocol.Message) error {
	_, err := fmt.Fprintln(r.out, r.Format(msg))
	return err
}

// Notice prints a local status line in the system style.
func (r *Renderer) Notice(format string, args ...any) error {
	_, err := fmt.Fprintln(r.out, r.system.Sprintf("* "+format, args...))
	return err
}

func (r *Renderer) Format(msg protocol.Message) string {
	prefix := ""
	if ts := msg.Time(); !ts.IsZero() {
		prefix = r.stamp.Sprintf("[%s] ", ts.Local().Format(r.TimeFormat))
	}
	switch msg.Kind {
	case protocol.KindSystem:
		return prefix + r.system.Sprint("* "+msg.Content)
	case protocol.KindDirect:
		return prefix + r.direct.Sprintf("[dm] %s -> %s:", msg.Sender, msg.To) + " " + msg.Content
	case protocol.KindCommand:
		return prefix + r.system.Sprintf("* /%s", msg.Command)
	default:
		return prefix + r.sender.Sprint(msg.Sender+":") + " " + msg.Content
	}
}
