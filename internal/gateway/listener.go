package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/postalsys/unicorn-tunnel/internal/logging"
	"github.com/postalsys/unicorn-tunnel/internal/metrics"
	"github.com/postalsys/unicorn-tunnel/internal/relay"
)

// Listener accepts SOCKS5 client connections and spawns a Session for each.
type Listener struct {
	ln         net.Listener
	serverAddr string
	secret     []byte
	log        *slog.Logger
	metrics    *metrics.Metrics
	tracker    *relay.Tracker[net.Conn]
}

// ListenAndServe binds addr and serves SOCKS5 clients until ctx is
// canceled. serverAddr and secret configure the uplink each session opens.
func ListenAndServe(ctx context.Context, addr, serverAddr string, secret []byte, log *slog.Logger, m *metrics.Metrics) error {
	if log == nil {
		log = logging.NopLogger()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}

	l := &Listener{
		ln:         ln,
		serverAddr: serverAddr,
		secret:     secret,
		log:        log,
		metrics:    m,
		tracker:    relay.NewTracker[net.Conn](),
	}
	return l.serve(ctx)
}

func (l *Listener) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
		l.tracker.CloseAll()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("gateway: accept: %w", err)
		}

		l.tracker.Add(conn)
		go func() {
			defer l.tracker.Remove(conn)
			sess := NewSession(conn, l.serverAddr, l.secret, l.log, l.metrics)
			sess.Run(ctx)
		}()
	}
}
