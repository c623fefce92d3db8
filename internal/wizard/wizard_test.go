package wizard

import (
	"testing"

	"github.com/postalsys/unicorn-tunnel/internal/config"
)

func TestNewDefaultsToProvidedConfig(t *testing.T) {
	existing := &config.Config{Role: config.RoleServer, ServerListen: "0.0.0.0:9000"}
	w := New(existing)
	if w.existing.Role != config.RoleServer {
		t.Fatalf("existing.Role = %v, want %v", w.existing.Role, config.RoleServer)
	}
	if w.existing.ServerListen != "0.0.0.0:9000" {
		t.Fatalf("existing.ServerListen = %q", w.existing.ServerListen)
	}
}

func TestNewWithNilUsesConfigDefault(t *testing.T) {
	w := New(nil)
	if w.existing == nil {
		t.Fatal("existing is nil")
	}
	if w.existing.Role != config.RoleGateway {
		t.Fatalf("existing.Role = %v, want default %v", w.existing.Role, config.RoleGateway)
	}
}

func TestRequireHostPortRejectsEmpty(t *testing.T) {
	if err := requireHostPort(""); err == nil {
		t.Fatal("expected error for empty string")
	}
	if err := requireHostPort("127.0.0.1:1080"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRandomHexProducesDistinctValues(t *testing.T) {
	a, err := randomHex(16)
	if err != nil {
		t.Fatalf("randomHex: %v", err)
	}
	b, err := randomHex(16)
	if err != nil {
		t.Fatalf("randomHex: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("len(a) = %d, want 32", len(a))
	}
	if a == b {
		t.Fatal("two random secrets collided")
	}
}
