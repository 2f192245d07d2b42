package srcon

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console shows status text and server responses to the user. In quiet mode
// only responses are shown.
//
// When the interactive input source is active its writer should be installed
// with SetOutput so that prints clear and redraw the line being edited.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool

	// partial is set while the last thing written did not end a line.
	partial bool
}

// NewConsole writes to w.
func NewConsole(w io.Writer, quiet bool) *Console {
	return &Console{w: w, quiet: quiet}
}

// SetOutput replaces the writer.
func (c *Console) SetOutput(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = w
}

// Statusf prints progress or state text unless the console is quiet. A nil
// console prints nothing.
func (c *Console) Statusf(format string, args ...interface{}) {
	if c == nil || c.quiet {
		return
	}
	c.write(fmt.Sprintf(format, args...))
}

// Response prints a server response fragment exactly as received. Servers
// split long output at arbitrary points, so a fragment may end mid-line.
func (c *Console) Response(text string) {
	if c == nil || text == "" {
		return
	}
	c.write(text)
}

// EndResponse terminates a response that did not end with a newline.
func (c *Console) EndResponse() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partial {
		c.writeLocked("\n")
	}
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLocked(s)
}

func (c *Console) writeLocked(s string) {
	_, _ = io.WriteString(c.w, s)
	c.partial = !strings.HasSuffix(s, "\n")
}
