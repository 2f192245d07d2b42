package srcon

import (
	"context"
	"io"

	"cdr.dev/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/srcon/internal/proto"
)

// Loop feeds server packets and local input into a Session until the
// session stops. Two pump goroutines block on the socket and on the input
// source, but every Session call happens on the goroutine running Run, one
// event at a time and in arrival order.
type Loop struct {
	Session *Session
	// Input is read alongside the socket. Leave it nil in batch mode, where
	// input is drained and queued before Run. Run closes it on return.
	Input InputSource
	// Console receives input error reports. It may be nil.
	Console *Console
	Logger  slog.Logger
}

type packetEvent struct {
	packet proto.Packet
	err    error
}

type lineEvent struct {
	line string
	err  error
}

// Run blocks until the session stops or ctx is canceled. The connection is
// left open for the caller to close.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		eg, egCtx = errgroup.WithContext(ctx)
		packets   = make(chan packetEvent)
		lines     chan lineEvent
	)
	eg.Go(func() error {
		return l.pumpPackets(egCtx, packets)
	})
	if l.Input != nil {
		lines = make(chan lineEvent)
		eg.Go(func() error {
			return l.pumpLines(egCtx, lines)
		})
	}

	err := l.loop(ctx, packets, lines)

	cancel()
	l.Session.conn.interruptReceive()
	if l.Input != nil {
		_ = l.Input.Close()
	}
	_ = eg.Wait()
	return err
}

func (l *Loop) loop(ctx context.Context, packets <-chan packetEvent, lines <-chan lineEvent) error {
	s := l.Session
	for s.Running() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-packets:
			if ev.err != nil {
				s.HandleReceiveError(ctx, ev.err)
				continue
			}
			s.HandlePacket(ctx, ev.packet)
		case ev := <-lines:
			switch {
			case ev.err == nil:
				s.HandleLine(ctx, ev.line)
			case xerrors.Is(ev.err, io.EOF):
				s.EndInput()
			default:
				// A broken input source should not take the session down
				// with it; keep serving the socket without local input.
				l.Console.Statusf("Input error: %v\n", ev.err)
				l.Logger.Warn(ctx, "input source failed", slog.F("error", ev.err))
				lines = nil
			}
		}
	}
	return nil
}

func (l *Loop) pumpPackets(ctx context.Context, out chan<- packetEvent) error {
	for {
		p, err := l.Session.conn.ReceivePacket(ctx)
		select {
		case out <- packetEvent{packet: p, err: err}:
		case <-ctx.Done():
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

func (l *Loop) pumpLines(ctx context.Context, out chan<- lineEvent) error {
	for {
		line, err := l.Input.ReadLine()
		if xerrors.Is(err, ErrInterrupted) {
			continue
		}
		select {
		case out <- lineEvent{line: line, err: err}:
		case <-ctx.Done():
			return nil
		}
		if err != nil {
			return nil
		}
	}
}
