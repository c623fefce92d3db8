package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/unicorn-tunnel/internal/cipher"
	"github.com/postalsys/unicorn-tunnel/internal/logging"
	"github.com/postalsys/unicorn-tunnel/internal/metrics"
	"github.com/postalsys/unicorn-tunnel/internal/protocol"
)

// udpAssociation owns the ephemeral UDP socket opened for one
// UDP_ASSOCIATE session. It demultiplexes purely by source IP: datagrams
// from expectedClient are client->remote requests, everything else is
// treated as a reply from a true target. There is no NAT table of
// outstanding requests; a client behind a symmetric NAT will not work.
type udpAssociation struct {
	conn           *net.UDPConn
	expectedClient net.IP
	clientAddr     atomic.Pointer[net.UDPAddr] // source of the most recent client datagram
	cs             *cipher.Session
	metrics        *metrics.Metrics
	log            *slog.Logger
	closeOnce      sync.Once
}

// newUDPAssociation binds a udp4 ephemeral socket (explicitly v4 to dodge
// dual-stack ambiguity, matching the pack's own UDP association code) and
// records expectedClientHost as the only address allowed to originate
// client->remote datagrams.
func newUDPAssociation(expectedClientHost string, cs *cipher.Session, m *metrics.Metrics, log *slog.Logger) (*udpAssociation, error) {
	ip := net.ParseIP(expectedClientHost)
	if ip == nil {
		return nil, fmt.Errorf("remote: invalid udp associate client host %q", expectedClientHost)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("remote: bind udp relay socket: %w", err)
	}

	if log == nil {
		log = logging.NopLogger()
	}

	return &udpAssociation{
		conn:           conn,
		expectedClient: ip,
		cs:             cs,
		metrics:        m,
		log:            log,
	}, nil
}

// Close releases the UDP socket. Safe to call more than once.
func (a *udpAssociation) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.conn.Close()
	})
	return err
}

// ReadLoop demultiplexes datagrams until ctx is canceled or the socket
// closes.
func (a *udpAssociation) ReadLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		a.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		if src.IP.Equal(a.expectedClient) {
			a.handleClientDatagram(buf[:n], src)
		} else {
			a.handleTargetDatagram(buf[:n], src)
		}
	}
}

// handleClientDatagram decrypts a client->remote datagram, extracts the
// target address from its inner frame, and forwards the remaining payload
// bytes to that target as a plain datagram.
func (a *udpAssociation) handleClientDatagram(raw []byte, src *net.UDPAddr) {
	a.clientAddr.Store(src)

	plain := a.cs.DecryptBytes(raw)
	frame, _, err := protocol.Decode(plain)
	if err != nil {
		a.log.Debug("udp relay: bad client frame", logging.KeyError, err)
		return
	}

	targetAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(frame.Addr, fmt.Sprintf("%d", frame.Port)))
	if err != nil {
		a.log.Debug("udp relay: bad target address", logging.KeyTargetAddr, frame.Addr, logging.KeyError, err)
		return
	}

	if _, err := a.conn.WriteToUDP(frame.Payload, targetAddr); err != nil {
		a.log.Debug("udp relay: write to target failed", logging.KeyError, err)
		return
	}
	if a.metrics != nil {
		a.metrics.RecordUDPDatagram("client_to_remote")
		a.metrics.RecordBytes("uplink", len(frame.Payload))
	}
}

// handleTargetDatagram wraps a remote->client datagram in an inner frame
// envelope, encrypts it, and sends it to the client's recorded UDP
// endpoint.
func (a *udpAssociation) handleTargetDatagram(raw []byte, src *net.UDPAddr) {
	client := a.clientAddr.Load()
	if client == nil {
		// No client datagram has arrived yet; there is nowhere to
		// deliver this reply.
		return
	}

	envelope, err := protocol.EncodeUDPEnvelope(protocol.AddrTypeForIP(src.IP), src.IP.String(), uint16(src.Port), raw)
	if err != nil {
		a.log.Debug("udp relay: encode envelope failed", logging.KeyError, err)
		return
	}

	if _, err := a.conn.WriteToUDP(a.cs.EncryptBytes(envelope), client); err != nil {
		a.log.Debug("udp relay: write to client failed", logging.KeyError, err)
		return
	}
	if a.metrics != nil {
		a.metrics.RecordUDPDatagram("remote_to_client")
		a.metrics.RecordBytes("downlink", len(raw))
	}
}
