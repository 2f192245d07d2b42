// Package rcontest provides a scriptable RCON server for tests and local
// development.
package rcontest

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"cdr.dev/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"

	"cdr.dev/srcon/internal/proto"
)

// Handler produces the response fragments for a command. Each fragment is
// sent as its own response packet.
type Handler interface {
	Exec(command string) []string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(command string) []string

// Exec calls f.
func (f HandlerFunc) Exec(command string) []string {
	return f(command)
}

// Echo answers every command with the command itself.
var Echo = HandlerFunc(func(command string) []string {
	return []string{command + "\n"}
})

// Options configures how a connection is served.
type Options struct {
	Password string
	// Handler defaults to Echo.
	Handler Handler
	// OnPacket, if set, is called with every packet received from the client.
	OnPacket func(proto.Packet)
	Logger   slog.Logger
}

// Serve speaks the server side of the protocol on conn until the client
// disconnects. Like Source servers it sends an empty response before the auth
// verdict and answers an empty command with a single empty response.
func Serve(ctx context.Context, conn net.Conn, opts Options) error {
	handler := opts.Handler
	if handler == nil {
		handler = Echo
	}
	write := func(p proto.Packet) error {
		opts.Logger.Debug(ctx, "sending packet", slog.F("id", p.ID), slog.F("type", p.Type))
		_, err := p.WriteTo(conn)
		if err != nil {
			return xerrors.Errorf("write packet: %w", err)
		}
		return nil
	}

	authed := false
	for {
		p, err := proto.ReadPacket(conn)
		if err != nil {
			if xerrors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("read packet: %w", err)
		}
		opts.Logger.Debug(ctx, "received packet", slog.F("id", p.ID), slog.F("type", p.Type))
		if opts.OnPacket != nil {
			opts.OnPacket(p)
		}

		switch p.Type {
		case proto.TypeAuth:
			err = write(proto.Packet{ID: p.ID, Type: proto.TypeExecResponse})
			if err != nil {
				return err
			}
			id := p.ID
			authed = string(p.Body) == opts.Password
			if !authed {
				id = -1
			}
			err = write(proto.Packet{ID: id, Type: proto.TypeAuthResponse})
			if err != nil {
				return err
			}
		case proto.TypeExecCommand:
			if !authed {
				return xerrors.New("command sent before authentication")
			}
			if len(p.Body) == 0 {
				err = write(proto.Packet{ID: p.ID, Type: proto.TypeExecResponse})
				if err != nil {
					return err
				}
				continue
			}
			for _, frag := range handler.Exec(string(p.Body)) {
				err = write(proto.Packet{ID: p.ID, Type: proto.TypeExecResponse, Body: []byte(frag)})
				if err != nil {
					return err
				}
			}
		default:
			return xerrors.Errorf("unknown packet type %d", p.Type)
		}
	}
}

// Server serves RCON over TCP.
type Server struct {
	ln     net.Listener
	opts   Options
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu       sync.Mutex
	received []proto.Packet
}

// Listen starts serving on addr. Use "127.0.0.1:0" for tests.
func Listen(ctx context.Context, addr string, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	s := &Server{
		ln:     ln,
		cancel: cancel,
		eg:     eg,
	}
	onPacket := opts.OnPacket
	opts.OnPacket = func(p proto.Packet) {
		s.mu.Lock()
		s.received = append(s.received, p)
		s.mu.Unlock()
		if onPacket != nil {
			onPacket(p)
		}
	}
	s.opts = opts

	eg.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		return nil
	})
	eg.Go(func() error {
		return s.accept(ctx, eg)
	})
	return s, nil
}

func (s *Server) accept(ctx context.Context, eg *errgroup.Group) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Errorf("accept: %w", err)
		}
		eg.Go(func() error {
			<-ctx.Done()
			_ = conn.Close()
			return nil
		})
		eg.Go(func() error {
			defer conn.Close()
			err := Serve(ctx, conn, s.opts)
			if err != nil {
				s.opts.Logger.Warn(ctx, "connection ended", slog.F("error", err))
			}
			return nil
		})
	}
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// HostPort splits Addr.
func (s *Server) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return host, p
}

// Received returns a copy of every packet received so far, in order.
func (s *Server) Received() []proto.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.Packet(nil), s.received...)
}

// Close stops the server and disconnects every client.
func (s *Server) Close() error {
	s.cancel()
	return s.eg.Wait()
}

// WebSocketHandler serves RCON frames carried in binary WebSocket messages.
func WebSocketHandler(opts Options) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		err = Serve(ctx, websocket.NetConn(ctx, ws, websocket.MessageBinary), opts)
		if err != nil {
			opts.Logger.Warn(ctx, "websocket connection ended", slog.F("error", err))
			ws.Close(websocket.StatusInternalError, "rcon error")
			return
		}
		ws.Close(websocket.StatusNormalClosure, "normal closure")
	})
}
