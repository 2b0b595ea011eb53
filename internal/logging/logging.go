package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/gologme/log"
)

// FileName is the log written inside the config directory. The TUI owns the
// terminal, so nothing is logged to stderr while it runs.
const FileName = "sortbox.log"

var levels = []string{"error", "warn", "info", "debug", "trace"}

// New returns a leveled logger writing to w. Levels up to and including
// level are enabled; an unknown level enables info and below.
func New(w io.Writer, component, level string, colored bool) *log.Logger {
	tag := color.New(color.FgCyan)
	if colored {
		tag.EnableColor()
	} else {
		tag.DisableColor()
	}
	l := log.New(w, fmt.Sprintf("[ %s ] ", tag.Sprint(component)), log.LstdFlags|log.Lmsgprefix)

	top := indexOf(strings.ToLower(level))
	if top < 0 {
		top = indexOf("info")
	}
	for _, lv := range levels[:top+1] {
		l.EnableLevel(lv)
	}
	return l
}

// Open appends to dir/sortbox.log.
func Open(dir, component, level string) (*log.Logger, io.Closer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log: %w", err)
	}
	return New(f, component, level, false), f, nil
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func indexOf(level string) int {
	for i, lv := range levels {
		if lv == level {
			return i
		}
	}
	return -1
}
