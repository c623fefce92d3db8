// Package cipher provides the per-session keystream used to obfuscate the
// uplink between the local gateway and the remote server.
//
// This is deliberately not an AEAD. It derives two independent RC4
// keystreams from a SHA-1 digest of the shared secret, one per direction,
// and XORs payload bytes with them. There is no IV, no rekeying, and no
// authentication tag: a decrypted frame's only integrity signal is the
// two-byte FrameSignature check in package protocol. Callers must treat
// this as a framing/obfuscation layer only, not confidentiality against an
// active adversary who can observe multiple sessions under the same
// secret.
package cipher

import (
	"crypto/rc4"
	"crypto/sha1"
	"fmt"
)

// Session holds the two independent keystream states for one connection:
// enc encrypts bytes flowing out, dec decrypts bytes flowing in. The two
// ciphers are seeded from the same digest but never share state again
// after construction, matching the "exclusively owned by a single session"
// invariant.
type Session struct {
	enc *rc4.Cipher
	dec *rc4.Cipher
}

// NewSession derives enc/dec keystreams from secret via SHA-1.
func NewSession(secret []byte) (*Session, error) {
	digest := sha1.Sum(secret)

	enc, err := rc4.NewCipher(digest[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: seed enc side: %w", err)
	}
	dec, err := rc4.NewCipher(digest[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: seed dec side: %w", err)
	}

	return &Session{enc: enc, dec: dec}, nil
}

// Encrypt XORs src's keystream into dst, which must be at least len(src).
// It is safe to call with dst == src for in-place encryption.
func (s *Session) Encrypt(dst, src []byte) {
	s.enc.XORKeyStream(dst, src)
}

// Decrypt XORs src's keystream into dst, which must be at least len(src).
// It is safe to call with dst == src for in-place decryption.
func (s *Session) Decrypt(dst, src []byte) {
	s.dec.XORKeyStream(dst, src)
}

// EncryptBytes returns a freshly allocated encrypted copy of plaintext.
func (s *Session) EncryptBytes(plaintext []byte) []byte {
	out := make([]byte, len(plaintext))
	s.Encrypt(out, plaintext)
	return out
}

// DecryptBytes returns a freshly allocated decrypted copy of ciphertext.
func (s *Session) DecryptBytes(ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	s.Decrypt(out, ciphertext)
	return out
}
