// Package secrets encrypts upstream credentials at rest. Each user's
// username/password pair is sealed into an opaque blob with AES-256-GCM;
// the key is derived from the process master key and a per-blob random salt.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/untis-hub/untis-sync-hub/internal/domain/timetable"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	// pbkdf2Iterations follows the OWASP recommendation for SHA-256.
	pbkdf2Iterations = 600_000
)

// ErrEmptyMasterKey is returned when the box is constructed without key material.
var ErrEmptyMasterKey = errors.New("secrets: empty master key")

// Credentials is the plaintext stored inside a blob.
type Credentials struct {
	School   string `json:"school"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Box seals and opens credential blobs. Safe for concurrent use.
type Box struct {
	masterKey []byte
}

// NewBox creates a Box from the master key.
func NewBox(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, ErrEmptyMasterKey
	}
	return &Box{masterKey: []byte(masterKey)}, nil
}

// Seal encrypts credentials into an opaque blob: salt | nonce | ciphertext.
func (b *Box) Seal(creds Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	aead, err := b.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	blob := make([]byte, 0, saltSize+nonceSize+len(plaintext)+aead.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, nil)
	return blob, nil
}

// Open decrypts a blob produced by Seal. Any failure to recover the
// plaintext classifies as ErrDecryptFailed: a truncated blob, a wrong
// master key, and a tampered ciphertext are indistinguishable to callers.
func (b *Box) Open(blob []byte) (Credentials, error) {
	if len(blob) < saltSize+nonceSize+1 {
		return Credentials{}, fmt.Errorf("blob too short: %w", timetable.ErrDecryptFailed)
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	aead, err := b.aead(salt)
	if err != nil {
		return Credentials{}, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("open blob: %w", timetable.ErrDecryptFailed)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("unmarshal credentials: %w", timetable.ErrDecryptFailed)
	}
	return creds, nil
}

func (b *Box) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(b.masterKey, salt, pbkdf2Iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}
