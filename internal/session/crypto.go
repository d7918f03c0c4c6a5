package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// tokenCipher wraps an AES-256-GCM cipher whose key is derived once, at
// construction, from a configured master secret via PBKDF2. The key never
// leaves memory and is never logged (spec §5 "Encryption key" policy).
type tokenCipher struct {
	gcm cipher.AEAD
}

func newTokenCipher(master string, salt string, iterations int) (*tokenCipher, error) {
	if iterations <= 0 {
		iterations = 100_000
	}
	key := pbkdf2.Key([]byte(master), []byte(salt), iterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("session: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("session: build gcm: %w", err)
	}
	return &tokenCipher{gcm: gcm}, nil
}

func (c *tokenCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("session: generate nonce: %w", err)
	}
	ciphertext := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (c *tokenCipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("session: decode ciphertext: %w", err)
	}
	nonceSize := c.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("session: ciphertext too short")
	}
	nonce, body := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("session: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Fingerprint computes a stable hash of the values that identify a
// session's originating device (spec §3 Session.fingerprint).
func Fingerprint(userID, userAgent, ipAddress string) string {
	sum := sha256.Sum256([]byte(userID + "|" + userAgent + "|" + ipAddress))
	return hex.EncodeToString(sum[:])
}
