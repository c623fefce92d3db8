package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/time/rate"

	"github.com/postalsys/unicorn-tunnel/internal/logging"
	"github.com/postalsys/unicorn-tunnel/internal/metrics"
	"github.com/postalsys/unicorn-tunnel/internal/relay"
)

// Listener accepts encrypted uplink connections from gateways and spawns a
// Session for each.
type Listener struct {
	ln      net.Listener
	secret  []byte
	log     *slog.Logger
	metrics *metrics.Metrics
	tracker *relay.Tracker[net.Conn]
	limiter *rate.Limiter
}

// ListenAndServe binds addr and serves uplink connections until ctx is
// canceled. When acceptsPerSecond is positive, new connections are throttled
// to that rate with a burst of one, shedding anything arriving faster by
// closing it immediately.
func ListenAndServe(ctx context.Context, addr string, secret []byte, acceptsPerSecond float64, log *slog.Logger, m *metrics.Metrics) error {
	if log == nil {
		log = logging.NopLogger()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("remote: listen %s: %w", addr, err)
	}

	l := &Listener{
		ln:      ln,
		secret:  secret,
		log:     log,
		metrics: m,
		tracker: relay.NewTracker[net.Conn](),
	}
	if acceptsPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(acceptsPerSecond), 1)
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
			return fmt.Errorf("remote: accept: %w", err)
		}

		if l.limiter != nil && !l.limiter.Allow() {
			l.log.Debug("accept rate exceeded, dropping connection", logging.KeyRemoteAddr, conn.RemoteAddr())
			conn.Close()
			continue
		}

		l.tracker.Add(conn)
		go func() {
			defer l.tracker.Remove(conn)
			sess := NewSession(conn, l.secret, l.log, l.metrics)
			sess.Run(ctx)
		}()
	}
}
