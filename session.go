package srcon

import (
	"context"
	"strings"

	"cdr.dev/slog"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/srcon/internal/proto"
)

// State represents the current state of the session.
type State int

const (
	// StateConnecting is the state before the password has been sent.
	StateConnecting State = iota
	// StateAwaitingAuth means the password was sent and no verdict has arrived.
	StateAwaitingAuth
	// StateAuthenticated means commands may be sent.
	StateAuthenticated
	// StateExecutingBatch means queued commands and the end marker were sent
	// and the end marker's response has not arrived yet.
	StateExecutingBatch
	// StateAuthFailed means the server rejected the password.
	StateAuthFailed
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateExecutingBatch:
		return "executing_batch"
	case StateAuthFailed:
		return "auth_failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// sessionID is used for every real outbound packet.
	sessionID int32 = 0
	// endMarkerID is used only for the empty command sent after a batch.
	// Servers echo the request id on every response fragment, so a response
	// carrying this id means everything before it has been delivered. Not
	// every server implementation is known to echo ids verbatim.
	endMarkerID int32 = 1
)

// LogoutCommand ends the session locally without contacting the server.
const LogoutCommand = "logout"

// SessionOptions configures a Session.
type SessionOptions struct {
	// Console receives status text and responses. It may be nil.
	Console *Console
	Logger  slog.Logger
	// Interactive keeps the session open after the first batch completes.
	Interactive bool
}

type batch struct {
	from     string
	commands []string
}

// Session drives one authenticated RCON conversation over a Conn. It is not
// safe for concurrent use; the Loop calls it from a single goroutine.
type Session struct {
	conn        *Conn
	console     *Console
	log         slog.Logger
	interactive bool

	state      State
	running    bool
	batches    []batch
	pendingEnd bool
	// err holds the first error that ended the session.
	err error
}

// NewSession takes ownership of conn.
func NewSession(conn *Conn, opts SessionOptions) *Session {
	return &Session{
		conn:        conn,
		console:     opts.Console,
		log:         opts.Logger.Named("session").With(slog.F("session", uuid.NewString())),
		interactive: opts.Interactive,
		state:       StateConnecting,
		running:     true,
	}
}

// Queue adds commands to send once authentication succeeds. from names where
// they came from for the status line. Trailing newlines are stripped.
func (s *Session) Queue(from string, commands ...string) {
	cmds := make([]string, 0, len(commands))
	for _, c := range commands {
		cmds = append(cmds, strings.TrimRight(c, "\r\n"))
	}
	s.batches = append(s.batches, batch{from: from, commands: cmds})
}

// Authenticate sends the password. The verdict arrives later through
// HandlePacket.
func (s *Session) Authenticate(ctx context.Context, password string) error {
	s.setState(StateAwaitingAuth)
	return s.send(ctx, sessionID, proto.TypeAuth, password)
}

// HandlePacket processes one packet received from the server.
func (s *Session) HandlePacket(ctx context.Context, p proto.Packet) {
	if !s.running {
		return
	}
	switch p.Type {
	case proto.TypeAuthResponse:
		if s.state != StateAwaitingAuth {
			s.log.Debug(ctx, "ignoring unexpected auth response", slog.F("id", p.ID))
			return
		}
		if p.ID == -1 {
			s.console.Statusf("Authentication attempt failed\n")
			s.stop(StateAuthFailed, ErrAuthFailed)
			return
		}
		s.console.Statusf("Successfully authenticated.\n")
		s.setState(StateAuthenticated)
		s.dispatch(ctx)
	case proto.TypeExecResponse:
		if s.pendingEnd && p.ID == endMarkerID {
			s.pendingEnd = false
			s.console.Response(p.Text())
			s.console.EndResponse()
			if !s.interactive {
				s.stop(StateClosed, nil)
				return
			}
			s.setState(StateAuthenticated)
			return
		}
		s.console.Response(p.Text())
	default:
		s.log.Debug(ctx, "ignoring packet of unknown type", slog.F("id", p.ID), slog.F("type", p.Type))
	}
}

// dispatch sends every queued command followed by the end marker.
func (s *Session) dispatch(ctx context.Context) {
	s.setState(StateExecutingBatch)
	for _, b := range s.batches {
		s.console.Statusf("Sending commands from %s...\n", b.from)
		for _, cmd := range b.commands {
			if !s.running {
				return
			}
			_ = s.send(ctx, sessionID, proto.TypeExecCommand, cmd)
		}
	}
	s.batches = nil
	if !s.running {
		return
	}
	if s.send(ctx, endMarkerID, proto.TypeExecCommand, "") == nil {
		s.pendingEnd = true
	}
}

// HandleLine processes one line of local input. Empty lines are ignored and
// LogoutCommand ends the session.
func (s *Session) HandleLine(ctx context.Context, line string) {
	if !s.running {
		return
	}
	line = strings.TrimRight(line, "\r\n")
	switch line {
	case "":
	case LogoutCommand:
		s.stop(StateClosed, nil)
	default:
		_ = s.send(ctx, sessionID, proto.TypeExecCommand, line)
	}
}

// EndInput ends the session because local input reached its end.
func (s *Session) EndInput() {
	if s.running {
		s.stop(StateClosed, nil)
	}
}

// HandleReceiveError ends the session after a failed receive. Only the first
// failure is reported.
func (s *Session) HandleReceiveError(ctx context.Context, err error) {
	if !s.running {
		return
	}
	if xerrors.Is(err, ErrConnectionClosed) {
		s.console.Statusf("Connection closed\n")
	} else {
		s.console.Statusf("Error while receiving: %v\n", err)
	}
	s.stop(StateClosed, err)
}

// send encodes and writes a packet. Transport failures end the session
// because the protocol has no way to resume. A command the codec refuses is
// reported and skipped.
func (s *Session) send(ctx context.Context, id, typ int32, body string) error {
	err := s.conn.SendPacket(ctx, proto.Packet{ID: id, Type: typ, Body: []byte(body)})
	if err == nil {
		return nil
	}

	var sendErr *SendError
	switch {
	case xerrors.As(err, &sendErr) && xerrors.Is(sendErr.Err, ErrConnectionClosed):
		s.console.Statusf("Connection closed\n")
		s.stop(StateClosed, err)
	case xerrors.As(err, &sendErr):
		s.console.Statusf("Error while sending: %v\n", sendErr.Err)
		s.stop(StateClosed, err)
	default:
		s.console.Statusf("Error while sending: %v\n", err)
	}
	return err
}

// Running reports whether the session is still live.
func (s *Session) Running() bool {
	return s.running
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Err returns the error that ended the session, if any. A batch that
// completed or a logout leaves it nil.
func (s *Session) Err() error {
	return s.err
}

// Close stops the session and releases the connection.
func (s *Session) Close() error {
	if s.running {
		s.stop(StateClosed, nil)
	}
	return s.conn.Close()
}

func (s *Session) stop(state State, err error) {
	s.running = false
	if s.err == nil {
		s.err = err
	}
	s.setState(state)
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.log.Debug(context.Background(), "state change",
		slog.F("from", s.state.String()),
		slog.F("to", state.String()),
	)
	s.state = state
}
