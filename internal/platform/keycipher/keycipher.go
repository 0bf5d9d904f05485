package keycipher

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals provider API key secrets before they hit the database.
// XChaCha20-Poly1305 with a random nonce per seal; the nonce rides in
// front of the ciphertext inside one base64 blob.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the sealing key from the configured secret. A 64-char hex
// string is used as the raw 32-byte key; anything else is stretched
// through SHA-256 so deployments can use an arbitrary passphrase.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("keycipher: empty secret")
	}
	var key []byte
	if len(secret) == 64 {
		if decoded, err := hex.DecodeString(secret); err == nil {
			key = decoded
		}
	}
	if key == nil {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keycipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keycipher: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("keycipher: decode: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return "", errors.New("keycipher: ciphertext too short")
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("keycipher: open: %w", err)
	}
	return string(plain), nil
}
