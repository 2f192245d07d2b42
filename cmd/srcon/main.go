package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/spf13/pflag"
	"go.coder.com/cli"
	"go.coder.com/flog"

	"cdr.dev/srcon"
)

const version = "1.1.0"

const (
	exitSuccess = 0
	exitFailure = 1
	// exitAuth covers both a missing password and a rejected one.
	exitAuth = 2
)

type cmd struct {
	password    string
	command     string
	interactive bool
	quiet       bool
	color       string
	version     bool
	debug       bool
}

func (c *cmd) Spec() cli.CommandSpec {
	return cli.CommandSpec{
		Name:  "srcon",
		Usage: "[flags] <host[:port]>",
		Desc: `Connect to a Valve Source server over the RCON protocol.
Commands come from --command and, when stdin is a pipe, one per input line.
Use --interactive for a shell. A ws:// address connects through a WebSocket bridge.`,
	}
}

func (c *cmd) RegisterFlags(fl *pflag.FlagSet) {
	fl.StringVarP(&c.password, "password", "p", "", "rcon password")
	fl.StringVarP(&c.command, "command", "c", "", "command to send on startup")
	fl.BoolVarP(&c.interactive, "interactive", "i", false, "interactive shell mode")
	fl.BoolVarP(&c.quiet, "quiet", "q", false, "only show responses")
	fl.StringVarP(&c.color, "color", "t", "0;31", "shell prompt color")
	fl.BoolVarP(&c.version, "version", "v", false, "show version information and exit")
	fl.BoolVar(&c.debug, "debug", false, "log every packet to stderr")
}

func (c *cmd) Run(fl *pflag.FlagSet) {
	os.Exit(c.run(fl))
}

func (c *cmd) run(fl *pflag.FlagSet) int {
	if c.version {
		fmt.Printf("srcon %s\n", version)
		return exitSuccess
	}
	if fl.NArg() < 1 {
		fl.Usage()
		return exitSuccess
	}

	console := srcon.NewConsole(os.Stdout, c.quiet)
	if c.password == "" {
		console.Statusf("Password option (-p) required\n")
		return exitAuth
	}

	log := newLogger(os.Stderr, c.debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, display, err := dial(ctx, fl.Arg(0), srcon.DialOptions{Console: console, Logger: log})
	if err != nil {
		log.Debug(ctx, "dial failed", slog.F("error", err))
		return exitFailure
	}

	session := srcon.NewSession(conn, srcon.SessionOptions{
		Console:     console,
		Logger:      log,
		Interactive: c.interactive,
	})
	if c.command != "" {
		session.Queue("option", c.command)
	}
	_ = session.Authenticate(ctx, c.password)

	var input srcon.InputSource
	switch {
	case c.interactive:
		in, err := srcon.NewInteractiveSource(srcon.InteractiveOptions{
			Prompt:      prompt(display, c.color),
			HistoryFile: srcon.HistoryPath(),
		})
		if err != nil {
			flog.Error("%v", err)
			_ = session.Close()
			return exitFailure
		}
		console.SetOutput(in)
		input = in
	case !srcon.IsTerminal(os.Stdin):
		lines, err := srcon.NewBatchSource(os.Stdin).Drain()
		if err != nil {
			flog.Error("%v", err)
			_ = session.Close()
			return exitFailure
		}
		session.Queue("stdin", lines...)
	}

	err = (&srcon.Loop{
		Session: session,
		Input:   input,
		Console: console,
		Logger:  log,
	}).Run(ctx)
	// The interactive source is closed by now.
	console.SetOutput(os.Stdout)

	console.Statusf("Disconnecting... ")
	_ = session.Close()
	console.Statusf("done.\n")

	switch {
	case session.State() == srcon.StateAuthFailed:
		return exitAuth
	case err != nil, session.Err() != nil:
		return exitFailure
	default:
		return exitSuccess
	}
}

// dial connects to addr and returns the text shown in the prompt.
func dial(ctx context.Context, addr string, opts srcon.DialOptions) (*srcon.Conn, string, error) {
	if strings.HasPrefix(addr, "ws://") {
		conn, err := srcon.DialWebSocket(ctx, addr, opts)
		return conn, strings.TrimPrefix(addr, "ws://"), err
	}
	host, port, err := srcon.ParseAddress(addr)
	if err != nil {
		flog.Error("%v", err)
		return nil, "", err
	}
	conn, err := srcon.Dial(ctx, host, port, opts)
	return conn, fmt.Sprintf("%s:%d", host, port), err
}

// newLogger returns a debug level logger writing to w, or a logger that
// discards everything when debug is off.
func newLogger(w io.Writer, debug bool) slog.Logger {
	if !debug {
		return slog.Logger{}
	}
	return sloghuman.Make(w).Leveled(slog.LevelDebug)
}

func prompt(addr, color string) string {
	return fmt.Sprintf("\033[%smrcon@\033[0m%s \033[%sm>\033[0m ", color, addr, color)
}

func main() {
	cli.RunRoot(&cmd{})
}
