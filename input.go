package srcon

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ergochat/readline"
	"golang.org/x/term"
	"golang.org/x/xerrors"
)

// HistoryFileName is created in the user's home directory by interactive
// sessions.
const HistoryFileName = ".srcon_history"

// ErrInterrupted is returned by ReadLine when the user abandoned the line
// being edited. Reading again is the correct response.
var ErrInterrupted = xerrors.New("input interrupted")

// InputSource produces command lines. ReadLine returns io.EOF once the
// stream has ended.
type InputSource interface {
	ReadLine() (string, error)
	Close() error
}

// IsTerminal reports whether f is an interactive terminal. Piped standard
// input is read as a batch.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// HistoryPath returns the history file location, or "" if the home
// directory is unknown.
func HistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, HistoryFileName)
}

// BatchSource reads one command per line from a non-interactive stream.
// Lines may be of any length.
type BatchSource struct {
	r *bufio.Reader
}

var _ InputSource = &BatchSource{}

// NewBatchSource reads from r.
func NewBatchSource(r io.Reader) *BatchSource {
	return &BatchSource{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its line terminator. A final line
// without a newline is still returned.
func (b *BatchSource) ReadLine() (string, error) {
	line, err := b.r.ReadString('\n')
	if err != nil && (!xerrors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// Drain reads every remaining line.
func (b *BatchSource) Drain() ([]string, error) {
	var lines []string
	for {
		line, err := b.ReadLine()
		if xerrors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return lines, xerrors.Errorf("read batch input: %w", err)
		}
		lines = append(lines, line)
	}
}

// Close is a no-op; the caller owns the underlying reader.
func (b *BatchSource) Close() error {
	return nil
}

// InteractiveOptions configures an InteractiveSource.
type InteractiveOptions struct {
	Prompt string
	// HistoryFile is loaded at start and appended to as lines are
	// submitted. Empty disables persistent history.
	HistoryFile string
	// Terminal is the terminal to read from and draw on. It defaults to
	// standard input and output.
	Terminal *os.File
}

// InteractiveSource reads lines from the terminal with line editing and
// history. It is also an io.Writer: output written through it clears the line
// being edited and redraws it afterwards, so install it on the Console.
type InteractiveSource struct {
	rl *readline.Instance
}

var _ InputSource = &InteractiveSource{}

// NewInteractiveSource takes over the terminal.
func NewInteractiveSource(opts InteractiveOptions) (*InteractiveSource, error) {
	cfg := &readline.Config{
		Prompt:                 opts.Prompt,
		HistoryFile:            opts.HistoryFile,
		DisableAutoSaveHistory: true,
	}
	if opts.Terminal != nil {
		useTerminal(cfg, opts.Terminal)
	}
	rl, err := readline.NewFromConfig(cfg)
	if err != nil {
		return nil, xerrors.Errorf("init line editor: %w", err)
	}
	return &InteractiveSource{rl: rl}, nil
}

// useTerminal points cfg at f instead of the process's standard streams.
func useTerminal(cfg *readline.Config, f *os.File) {
	var (
		fd    = int(f.Fd())
		mu    sync.Mutex
		state *term.State
	)
	cfg.Stdin = f
	cfg.Stdout = f
	cfg.Stderr = f
	cfg.FuncIsTerminal = func() bool {
		return term.IsTerminal(fd)
	}
	cfg.FuncMakeRaw = func() error {
		mu.Lock()
		defer mu.Unlock()
		s, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		state = s
		return nil
	}
	cfg.FuncExitRaw = func() error {
		mu.Lock()
		defer mu.Unlock()
		if state == nil {
			return nil
		}
		err := term.Restore(fd, state)
		if err == nil {
			state = nil
		}
		return err
	}
	cfg.FuncGetSize = func() (int, int) {
		w, h, err := term.GetSize(fd)
		if err != nil {
			return 80, 24
		}
		return w, h
	}
}

// ReadLine blocks until the user submits a line. Submitted commands other
// than LogoutCommand are added to history.
func (i *InteractiveSource) ReadLine() (string, error) {
	line, err := i.rl.Readline()
	if err == readline.ErrInterrupt {
		return "", ErrInterrupted
	}
	if err != nil {
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" && trimmed != LogoutCommand {
		_ = i.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (i *InteractiveSource) Write(b []byte) (int, error) {
	return i.rl.Write(b)
}

// Close restores the terminal and unblocks a pending ReadLine.
func (i *InteractiveSource) Close() error {
	return i.rl.Close()
}
