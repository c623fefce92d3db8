// Package remote implements the "Unicorn" server: it terminates the
// encrypted uplink from a local gateway, parses the inner request frame,
// and establishes either a plain TCP tunnel or a UDP relay to the true
// target.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/unicorn-tunnel/internal/cipher"
	"github.com/postalsys/unicorn-tunnel/internal/logging"
	"github.com/postalsys/unicorn-tunnel/internal/metrics"
	"github.com/postalsys/unicorn-tunnel/internal/protocol"
	"github.com/postalsys/unicorn-tunnel/internal/relay"
)

// sessionState tracks how far an uplink connection has progressed: waiting
// for its first inner frame, then streaming as either a TCP or UDP tunnel.
type sessionState int

const (
	stateWaitCmd sessionState = iota
	stateTCPTunnel
	stateUDPTunnel
)

// dialTimeout bounds the outbound dial to the true target.
const dialTimeout = 15 * time.Second

var errBadCommand = errors.New("remote: unknown inner command")

// Session represents one accepted uplink connection from a gateway.
type Session struct {
	conn    net.Conn
	secret  []byte
	log     *slog.Logger
	metrics *metrics.Metrics

	cs    *cipher.Session
	state sessionState
}

// NewSession wraps an accepted uplink connection.
func NewSession(conn net.Conn, secret []byte, log *slog.Logger, m *metrics.Metrics) *Session {
	if log == nil {
		log = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	log = logging.With(log, logging.NextSessionID(), "remote")
	return &Session{conn: conn, secret: secret, log: log, metrics: m, state: stateWaitCmd}
}

// Run drives the session: decrypt the first frame, dispatch, relay.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()

	cs, err := cipher.NewSession(s.secret)
	if err != nil {
		s.log.Error("cipher setup failed", logging.KeyError, err)
		return
	}
	s.cs = cs

	buf := make([]byte, 64*1024)
	n, err := s.conn.Read(buf)
	if err != nil {
		return
	}
	plain := cs.DecryptBytes(buf[:n])

	frame, _, err := protocol.Decode(plain)
	if err != nil {
		if errors.Is(err, protocol.ErrBadSignature) {
			s.metrics.RecordSignatureError()
			s.log.Debug("signature mismatch, closing without reply")
		} else {
			s.log.Debug("malformed inner frame", logging.KeyError, err)
		}
		return
	}

	switch frame.Command {
	case protocol.CmdConnect, protocol.CmdBind:
		s.handleConnect(ctx, frame)
	case protocol.CmdUDPAssociate:
		s.handleUDPAssociate(ctx, frame)
	default:
		s.log.Debug(errBadCommand.Error(), logging.KeyCommand, frame.Command)
	}
}

// handleConnect dials the target (BIND is aliased to CONNECT) and, on
// success, relays bytes until either side closes. The dial is canceled
// early if the uplink disconnects while it is still in flight. (The
// gateway's uplink dial has no such monitor; it is bounded only by its
// timeout.)
func (s *Session) handleConnect(ctx context.Context, frame protocol.Frame) {
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	target := net.JoinHostPort(frame.Addr, fmt.Sprintf("%d", frame.Port))

	dialDone := make(chan struct{})
	monitorExited := make(chan struct{})

	go func() {
		defer close(monitorExited)
		probe := make([]byte, 1)
		for {
			select {
			case <-dialDone:
				return
			default:
			}
			s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			_, err := s.conn.Read(probe)
			select {
			case <-dialDone:
				return
			default:
			}
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				cancel()
				return
			}
			// Unexpected data from the gateway mid-dial; treat it like a
			// disconnect signal and give up on the dial.
			cancel()
			return
		}
	}()

	var dialer net.Dialer
	targetConn, err := dialer.DialContext(dialCtx, "tcp", target)
	close(dialDone)
	s.conn.SetReadDeadline(time.Now().Add(-time.Second))
	<-monitorExited
	s.conn.SetReadDeadline(time.Time{})

	if err != nil {
		s.metrics.RecordDialFailure(dialFailureReason(err))
		s.replyFailure()
		s.log.Debug("dial failed", logging.KeyTargetAddr, target, logging.KeyError, err)
		return
	}
	defer targetConn.Close()

	s.metrics.RecordDialSuccess(time.Since(start).Seconds())

	peerAddr, _ := targetConn.RemoteAddr().(*net.TCPAddr)
	atype := protocol.AddrIPv4
	addr := "0.0.0.0"
	var port uint16
	if peerAddr != nil {
		atype = protocol.AddrTypeForIP(peerAddr.IP)
		addr = peerAddr.IP.String()
		port = uint16(peerAddr.Port)
	}

	reply, err := protocol.EncodeReply(protocol.ErrOK, atype, addr, port)
	if err != nil {
		s.log.Error("encode reply failed", logging.KeyError, err)
		return
	}
	if _, err := s.conn.Write(s.cs.EncryptBytes(reply)); err != nil {
		return
	}

	s.state = stateTCPTunnel

	closer := relay.NewPairedCloser(s.conn, targetConn)
	defer closer.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpClientToTarget(targetConn)
		closer.Close()
	}()
	go func() {
		defer wg.Done()
		s.pumpTargetToClient(targetConn)
		closer.Close()
	}()
	wg.Wait()
}

func (s *Session) replyFailure() {
	reply, err := protocol.EncodeReply(protocol.ErrGeneralFailure, protocol.AddrIPv4, "0.0.0.0", 0)
	if err != nil {
		return
	}
	s.conn.Write(s.cs.EncryptBytes(reply))
}

func (s *Session) pumpClientToTarget(target net.Conn) error {
	return relay.Pump(target, s.conn, s.cs.DecryptBytes, func(n int) {
		s.metrics.RecordBytes("uplink", n)
	})
}

func (s *Session) pumpTargetToClient(target net.Conn) error {
	return relay.Pump(s.conn, target, s.cs.EncryptBytes, func(n int) {
		s.metrics.RecordBytes("downlink", n)
	})
}

func dialFailureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "refused"
}

// handleUDPAssociate binds an ephemeral UDP socket and hands off to the
// relay loop (see udp.go) for the lifetime of the TCP liveness lease.
func (s *Session) handleUDPAssociate(ctx context.Context, frame protocol.Frame) {
	peerAddr, _ := s.conn.RemoteAddr().(*net.TCPAddr)
	if peerAddr == nil {
		s.log.Error("udp associate: no TCP peer address")
		return
	}

	expectedHost := frame.Addr
	if expectedHost == "0.0.0.0" {
		expectedHost = peerAddr.IP.String()
	}

	assoc, err := newUDPAssociation(expectedHost, s.cs, s.metrics, s.log)
	if err != nil {
		s.replyFailure()
		s.log.Error("udp associate: bind failed", logging.KeyError, err)
		return
	}
	defer assoc.Close()

	localAddr, _ := assoc.conn.LocalAddr().(*net.UDPAddr)
	reply, err := protocol.EncodeReply(protocol.ErrOK, protocol.AddrIPv4, localAddr.IP.String(), uint16(localAddr.Port))
	if err != nil {
		return
	}
	if _, err := s.conn.Write(s.cs.EncryptBytes(reply)); err != nil {
		return
	}

	s.state = stateUDPTunnel
	s.metrics.RecordUDPAssociationOpen()
	defer s.metrics.RecordUDPAssociationClose()

	assocCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go assoc.ReadLoop(assocCtx)

	// The TCP channel stays open purely as a liveness lease; any inbound
	// payload on it is discarded.
	io.Copy(io.Discard, s.conn)
}
