package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const gcmTagSize = 16

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Cipher encrypts PII columns and produces deterministic blind indexes for
// equality lookups without decryption. The encryption key and the index key
// are derived from one master secret via HKDF-SHA256 so they can never
// collide.
type Cipher struct {
	aead     cipher.AEAD
	indexKey []byte
}

func New(masterKey string) (*Cipher, error) {
	encKey, err := derive(masterKey, "pii-encryption")
	if err != nil {
		return nil, err
	}
	indexKey, err := derive(masterKey, "pii-blind-index")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead, indexKey: indexKey}, nil
}

func derive(masterKey, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive %s: %w", info, err)
	}
	return key, nil
}

// Encrypt returns "iv:authTag:ciphertext", each part hex-encoded.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(body), nil
}

func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrMalformedCiphertext
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	body, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	if len(iv) != c.aead.NonceSize() || len(tag) != gcmTagSize {
		return "", ErrMalformedCiphertext
	}
	plain, err := c.aead.Open(nil, iv, append(body, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// BlindIndex is deterministic: the same value always hashes to the same
// index, enabling equality lookups against the stored column.
func (c *Cipher) BlindIndex(value string) string {
	mac := hmac.New(sha256.New, c.indexKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
