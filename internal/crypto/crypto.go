// Package crypto seals small secrets, such as the session token, before they
// reach the key/value store. Keys are derived with HKDF-SHA256 and data is
// sealed with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

const (
	keySize     = 32
	hkdfSalt    = "fieldsync/v1"
	defaultSeed = "fieldsync-default-key"
)

// DeriveKey expands a machine identifier into a 32-byte key bound to purpose.
// Different purposes yield independent keys from the same identifier.
func DeriveKey(machineID, purpose string) ([]byte, error) {
	if machineID == "" {
		machineID = defaultSeed
	}
	r := hkdf.New(sha256.New, []byte(machineID), []byte(hkdfSalt), []byte(purpose))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext with a 32-byte key and returns base64(nonce|ciphertext).
func Seal(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any tampering or a wrong key yields ErrInvalidCiphertext.
func Open(ciphertext string, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// SealString derives the key for purpose from machineID and seals plaintext.
func SealString(plaintext, machineID, purpose string) (string, error) {
	key, err := DeriveKey(machineID, purpose)
	if err != nil {
		return "", err
	}
	return Seal([]byte(plaintext), key)
}

// OpenString is the inverse of SealString.
func OpenString(ciphertext, machineID, purpose string) (string, error) {
	key, err := DeriveKey(machineID, purpose)
	if err != nil {
		return "", err
	}
	plaintext, err := Open(ciphertext, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// MachineID returns a best-effort stable identifier for the host, used when
// configuration does not supply one.
func MachineID() string {
	hostname, _ := os.Hostname()
	if runtime.GOOS != "linux" {
		return runtime.GOOS + ":" + hostname
	}
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return "linux:" + id
			}
		}
	}
	return "linux:" + hostname
}
