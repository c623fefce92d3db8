package remote

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/unicorn-tunnel/internal/cipher"
	"github.com/postalsys/unicorn-tunnel/internal/protocol"
)

func TestSessionConnectRelaysPayload(t *testing.T) {
	secret := []byte("shared-secret")

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer targetLn.Close()
	targetAddr := targetLn.Addr().(*net.TCPAddr)

	go func() {
		conn, err := targetLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	gatewaySide, remoteSide := net.Pipe()
	defer gatewaySide.Close()

	sess := NewSession(remoteSide, secret, nil, nil)
	go sess.Run(context.Background())

	cs, err := cipher.NewSession(secret)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	req, err := protocol.EncodeRequest(protocol.CmdConnect, protocol.AddrIPv4, "127.0.0.1", uint16(targetAddr.Port))
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if _, err := gatewaySide.Write(cs.EncryptBytes(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	replyBuf := make([]byte, 4096)
	gatewaySide.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := gatewaySide.Read(replyBuf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, _, err := protocol.Decode(cs.DecryptBytes(replyBuf[:n]))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Command != protocol.ErrOK {
		t.Fatalf("reply error code = %d, want ErrOK", reply.Command)
	}

	payload := []byte("hello target")
	if _, err := gatewaySide.Write(cs.EncryptBytes(payload)); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	echoBuf := make([]byte, len(payload))
	gatewaySide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(gatewaySide, echoBuf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(cs.DecryptBytes(echoBuf)) != string(payload) {
		t.Fatalf("echoed payload = %q, want %q", cs.DecryptBytes(echoBuf), payload)
	}
}

func TestSessionConnectFailureRepliesGeneralFailure(t *testing.T) {
	secret := []byte("shared-secret")

	// A closed listener's address should refuse the dial.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	gatewaySide, remoteSide := net.Pipe()
	defer gatewaySide.Close()

	sess := NewSession(remoteSide, secret, nil, nil)
	go sess.Run(context.Background())

	cs, err := cipher.NewSession(secret)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	req, err := protocol.EncodeRequest(protocol.CmdConnect, protocol.AddrIPv4, "127.0.0.1", uint16(deadAddr.Port))
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if _, err := gatewaySide.Write(cs.EncryptBytes(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 4096)
	gatewaySide.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := gatewaySide.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, _, err := protocol.Decode(cs.DecryptBytes(buf[:n]))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Command != protocol.ErrGeneralFailure {
		t.Fatalf("reply error code = %d, want ErrGeneralFailure", reply.Command)
	}
}

func TestSessionRejectsBadSignature(t *testing.T) {
	gatewaySide, remoteSide := net.Pipe()
	defer gatewaySide.Close()

	sess := NewSession(remoteSide, []byte("secret"), nil, nil)
	done := make(chan struct{})
	go func() {
		sess.Run(context.Background())
		close(done)
	}()

	if _, err := gatewaySide.Write([]byte("not a valid encrypted frame!!")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on bad signature")
	}
}
