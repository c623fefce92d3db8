package remote

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/postalsys/unicorn-tunnel/internal/cipher"
	"github.com/postalsys/unicorn-tunnel/internal/protocol"
)

func TestUDPAssociationRelaysClientToTargetAndBack(t *testing.T) {
	secret := []byte("udp-secret")
	cs, err := cipher.NewSession(secret)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	// The target sits on a different loopback address than the client: the
	// association demultiplexes by source IP alone, so a target sharing the
	// client's IP would have its reply taken for a client datagram.
	target, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2)})
	if err != nil {
		t.Fatalf("listen target udp: %v", err)
	}
	defer target.Close()

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client udp: %v", err)
	}
	defer client.Close()
	clientIP := client.LocalAddr().(*net.UDPAddr).IP

	assoc, err := newUDPAssociation(clientIP.String(), cs, nil, nil)
	if err != nil {
		t.Fatalf("newUDPAssociation: %v", err)
	}
	defer assoc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go assoc.ReadLoop(ctx)

	targetAddr := target.LocalAddr().(*net.UDPAddr)
	frame, err := protocol.EncodeRequest(protocol.CmdUDPAssociate, protocol.AddrIPv4, "127.0.0.2", uint16(targetAddr.Port))
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	payload := []byte("dns query bytes")
	frame = append(frame, payload...)

	relayAddr := assoc.conn.LocalAddr().(*net.UDPAddr)
	if _, err := client.WriteToUDP(cs.EncryptBytes(frame), relayAddr); err != nil {
		t.Fatalf("client write: %v", err)
	}

	target.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, targetSeenSrc, err := target.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("target read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("target received %q, want %q", buf[:n], payload)
	}
	_ = targetSeenSrc

	reply := []byte("dns response bytes")
	if _, err := target.WriteToUDP(reply, relayAddr); err != nil {
		t.Fatalf("target write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	decoded, _, err := protocol.Decode(cs.DecryptBytes(buf[:n]))
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if string(decoded.Payload) != string(reply) {
		t.Fatalf("envelope payload = %q, want %q", decoded.Payload, reply)
	}
	if decoded.Port != uint16(targetAddr.Port) {
		t.Fatalf("envelope port = %d, want %d", decoded.Port, targetAddr.Port)
	}
}

func TestUDPAssociationDropsTargetReplyBeforeAnyClientDatagram(t *testing.T) {
	secret := []byte("udp-secret-2")
	cs, err := cipher.NewSession(secret)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	// Use an expected client host distinct from loopback so the probe
	// below is classified as a target reply, not a client datagram.
	assoc, err := newUDPAssociation("10.0.0.9", cs, nil, nil)
	if err != nil {
		t.Fatalf("newUDPAssociation: %v", err)
	}
	defer assoc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go assoc.ReadLoop(ctx)

	stranger, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen stranger: %v", err)
	}
	defer stranger.Close()

	relayAddr := assoc.conn.LocalAddr().(*net.UDPAddr)
	if _, err := stranger.WriteToUDP([]byte("unsolicited"), relayAddr); err != nil {
		t.Fatalf("stranger write: %v", err)
	}

	// No client datagram has ever arrived, so clientAddr is still nil;
	// handleTargetDatagram must drop this silently rather than panic.
	time.Sleep(100 * time.Millisecond)
}

func TestNewUDPAssociationRejectsInvalidClientHost(t *testing.T) {
	cs, err := cipher.NewSession([]byte("secret"))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	if _, err := newUDPAssociation("not-an-ip", cs, nil, nil); err == nil {
		t.Fatal("expected error for invalid client host")
	}
}
