// Package gateway implements the local SOCKS5 front door: an
// unauthenticated SOCKS5 listener that forwards each accepted session over
// a single encrypted TCP uplink to a remote server.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/unicorn-tunnel/internal/cipher"
	"github.com/postalsys/unicorn-tunnel/internal/logging"
	"github.com/postalsys/unicorn-tunnel/internal/metrics"
	"github.com/postalsys/unicorn-tunnel/internal/protocol"
	"github.com/postalsys/unicorn-tunnel/internal/relay"
)

// sessionState tracks how far a client has progressed through the SOCKS5
// handshake: greeting, then request, then streaming relay.
type sessionState int

const (
	stateConnMade sessionState = iota
	stateAuthDone
	stateStreaming
)

// dialTimeout bounds the uplink dial.
const dialTimeout = 15 * time.Second

// synthReply is written to the SOCKS5 client in place of whatever the
// uplink's first inbound chunk actually contains. The remote server's real
// reply frame is decrypted and discarded instead of relayed, so the gateway
// never round-trips the true bound address back to the client.
var synthReply = []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

var (
	errBadGreeting = errors.New("gateway: invalid SOCKS5 greeting")
	errBadRequest  = errors.New("gateway: invalid SOCKS5 request")
)

// Session represents one accepted SOCKS5 client connection.
type Session struct {
	client     net.Conn
	serverAddr string
	secret     []byte
	log        *slog.Logger
	metrics    *metrics.Metrics

	state sessionState
}

// NewSession wraps an accepted client connection.
func NewSession(client net.Conn, serverAddr string, secret []byte, log *slog.Logger, m *metrics.Metrics) *Session {
	if log == nil {
		log = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	log = logging.With(log, logging.NextSessionID(), "gateway")
	return &Session{
		client:     client,
		serverAddr: serverAddr,
		secret:     secret,
		log:        log,
		metrics:    m,
		state:      stateConnMade,
	}
}

// Run drives the session to completion: greeting, request, uplink dial,
// streaming relay. It returns once the session has fully torn down.
func (s *Session) Run(ctx context.Context) {
	defer s.client.Close()

	s.metrics.RecordSOCKS5Connect()
	defer s.metrics.RecordSOCKS5Disconnect()

	r := bufio.NewReader(s.client)

	if err := s.handleGreeting(r); err != nil {
		s.metrics.RecordSOCKS5GreetingRejected()
		s.log.Debug("rejected greeting", logging.KeyError, err)
		return
	}
	s.state = stateAuthDone

	command, atype, addr, port, err := s.handleRequest(r)
	if err != nil {
		s.log.Debug("rejected request", logging.KeyError, err)
		return
	}

	if err := s.stream(ctx, command, atype, addr, port); err != nil {
		s.log.Debug("session ended", logging.KeyError, err)
	}
}

// handleGreeting reads the 3-byte greeting and accepts iff byte 0 is the
// SOCKS5 version and byte 2 is the no-auth method, matching the original
// implementation's simplified check (no nmethods scan).
func (s *Session) handleGreeting(r *bufio.Reader) error {
	greeting := make([]byte, 3)
	if _, err := io.ReadFull(r, greeting); err != nil {
		return fmt.Errorf("%w: %v", errBadGreeting, err)
	}
	if greeting[0] != 0x05 || greeting[2] != 0x00 {
		return fmt.Errorf("%w: got %x", errBadGreeting, greeting)
	}
	if _, err := s.client.Write([]byte{0x05, 0x00}); err != nil {
		return fmt.Errorf("gateway: write greeting reply: %w", err)
	}
	return nil
}

// handleRequest reads the SOCKS5 request and returns its command, address
// type, textual address, and port.
func (s *Session) handleRequest(r *bufio.Reader) (command, atype uint8, addr string, port uint16, err error) {
	header := make([]byte, 4)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, 0, "", 0, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if header[0] != 0x05 {
		return 0, 0, "", 0, fmt.Errorf("%w: bad version %d", errBadRequest, header[0])
	}
	command = header[1]
	atype = header[3]

	switch atype {
	case protocol.AddrIPv4:
		raw := make([]byte, net.IPv4len)
		if _, err = io.ReadFull(r, raw); err != nil {
			return 0, 0, "", 0, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		addr = net.IP(raw).String()
	case protocol.AddrIPv6:
		raw := make([]byte, net.IPv6len)
		if _, err = io.ReadFull(r, raw); err != nil {
			return 0, 0, "", 0, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		addr = net.IP(raw).String()
	case protocol.AddrDomain:
		lenByte := make([]byte, 1)
		if _, err = io.ReadFull(r, lenByte); err != nil {
			return 0, 0, "", 0, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		raw := make([]byte, lenByte[0])
		if _, err = io.ReadFull(r, raw); err != nil {
			return 0, 0, "", 0, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		addr = string(raw)
	default:
		return 0, 0, "", 0, fmt.Errorf("%w: unsupported address type %d", errBadRequest, atype)
	}

	portBytes := make([]byte, 2)
	if _, err = io.ReadFull(r, portBytes); err != nil {
		return 0, 0, "", 0, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	port = uint16(portBytes[0])<<8 | uint16(portBytes[1])

	return command, atype, addr, port, nil
}

// stream composes the inner request frame, dials the remote server, and
// relays bytes for the lifetime of the session.
func (s *Session) stream(ctx context.Context, command, atype uint8, addr string, port uint16) error {
	cs, err := cipher.NewSession(s.secret)
	if err != nil {
		return fmt.Errorf("gateway: cipher setup: %w", err)
	}

	frame, err := protocol.EncodeRequest(command, atype, addr, port)
	if err != nil {
		return fmt.Errorf("gateway: encode inner frame: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var dialer net.Dialer
	uplink, err := dialer.DialContext(dialCtx, "tcp", s.serverAddr)
	if err != nil {
		// Uplink failure closes the client socket without a SOCKS5
		// failure reply; a known limitation carried from the original.
		return fmt.Errorf("gateway: dial uplink %s: %w", s.serverAddr, err)
	}

	closer := relay.NewPairedCloser(s.client, uplink)
	defer closer.Close()

	if _, err := uplink.Write(cs.EncryptBytes(frame)); err != nil {
		return fmt.Errorf("gateway: write inner frame: %w", err)
	}

	s.state = stateStreaming

	var uplinkErr, clientErr error
	done := make(chan struct{}, 2)

	go func() {
		uplinkErr = s.pumpUplinkToClient(uplink, cs)
		closer.Close()
		done <- struct{}{}
	}()
	go func() {
		clientErr = s.pumpClientToUplink(uplink, cs)
		closer.Close()
		done <- struct{}{}
	}()

	<-done
	<-done

	if uplinkErr != nil {
		return uplinkErr
	}
	return clientErr
}

// pumpUplinkToClient reads from uplink and writes to the client, replacing
// the first chunk with the synthetic SOCKS5 reply and decrypting every
// chunk after that.
func (s *Session) pumpUplinkToClient(uplink net.Conn, cs *cipher.Session) error {
	first := true
	var firstChunk bool

	transform := func(chunk []byte) []byte {
		// Decrypt every chunk, including the first, to keep this side's
		// keystream position aligned with the remote's encrypt side. Only
		// the first chunk's plaintext is discarded in favor of the
		// synthetic reply.
		plain := cs.DecryptBytes(chunk)
		firstChunk = first
		if first {
			first = false
			return synthReply
		}
		return plain
	}

	return relay.Pump(s.client, uplink, transform, func(n int) {
		if firstChunk {
			return
		}
		s.metrics.RecordBytes("downlink", n)
	})
}

// pumpClientToUplink reads from the client, encrypts, and writes to uplink.
func (s *Session) pumpClientToUplink(uplink net.Conn, cs *cipher.Session) error {
	return relay.Pump(uplink, s.client, cs.EncryptBytes, func(n int) {
		s.metrics.RecordBytes("uplink", n)
	})
}
