package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals stored tokens with XChaCha20-Poly1305. The (user, service)
// pair is bound as associated data so a row cannot be replayed under
// another identity.
type Cipher struct {
	key []byte
}

// NewCipher takes a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credentials: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Cipher{key: k}, nil
}

// NewCipherFromHex parses a hex-encoded 32-byte key.
func NewCipherFromHex(s string) (*Cipher, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("credentials: decode key: %w", err)
	}
	return NewCipher(key)
}

func aad(userID, service string) []byte {
	return []byte(service + "\x00" + userID)
}

// Seal returns nonce||ciphertext. An empty plaintext seals to nil.
func (c *Cipher) Seal(plain []byte, userID, service string) ([]byte, error) {
	if len(plain) == 0 {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, aad(userID, service)), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed []byte, userID, service string) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("credentials: sealed value too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, aad(userID, service))
}
