package cipher

import "testing"

func TestSymmetry(t *testing.T) {
	local, err := NewSession([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("NewSession(local): %v", err)
	}
	remote, err := NewSession([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("NewSession(remote): %v", err)
	}

	msg := []byte("the quick brown fox jumps over the lazy dog")

	encrypted := local.EncryptBytes(msg)
	decrypted := remote.DecryptBytes(encrypted)
	if string(decrypted) != string(msg) {
		t.Fatalf("remote.dec(local.enc(b)) = %q, want %q", decrypted, msg)
	}

	encryptedBack := remote.EncryptBytes(msg)
	decryptedBack := local.DecryptBytes(encryptedBack)
	if string(decryptedBack) != string(msg) {
		t.Fatalf("local.dec(remote.enc(b)) = %q, want %q", decryptedBack, msg)
	}
}

func TestEncryptAdvancesKeystream(t *testing.T) {
	s, err := NewSession([]byte("s3cr3t"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	a := s.EncryptBytes([]byte("aaaa"))
	b := s.EncryptBytes([]byte("aaaa"))
	if string(a) == string(b) {
		t.Fatalf("enc side did not advance keystream between calls")
	}
}

func TestDifferentSecretsDiverge(t *testing.T) {
	a, err := NewSession([]byte("secret-a"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	b, err := NewSession([]byte("secret-b"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	msg := []byte("same plaintext")
	ea := a.EncryptBytes(msg)
	eb := b.EncryptBytes(msg)
	if string(ea) == string(eb) {
		t.Fatalf("different secrets produced identical ciphertext")
	}
}
