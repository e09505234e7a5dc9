// Package vault encrypts and decrypts credential records with
// AES-256-GCM under a scrypt-derived key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

const (
	saltLen   = 32
	ivLen     = 12
	keyLen    = 32
	scryptN   = 1 << 14
	scryptR   = 8
	scryptP   = 1
	minKeyLen = 32
)

// Record is one encrypted payload with the material needed to decrypt it.
// The GCM tag is stored separately so tampering with any component fails
// verification.
type Record struct {
	EncryptedData []byte
	IV            []byte
	AuthTag       []byte
	Salt          []byte
}

// Vault derives per-record keys from a process-wide master passphrase.
type Vault struct {
	master []byte
}

// New validates the master passphrase and builds a Vault. Short or
// missing passphrases are a startup error, not a runtime one.
func New(masterKey string) (*Vault, error) {
	if len(masterKey) < minKeyLen {
		return nil, fmt.Errorf("%w: need at least %d characters", ErrShortKey, minKeyLen)
	}
	return &Vault{master: []byte(masterKey)}, nil
}

// Encrypt seals plaintext with a fresh salt and IV.
func (v *Vault) Encrypt(plaintext []byte) (Record, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Record{}, fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return Record{}, fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return Record{}, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return Record{
		EncryptedData: sealed[:tagStart],
		IV:            iv,
		AuthTag:       sealed[tagStart:],
		Salt:          salt,
	}, nil
}

// Decrypt opens a record. Any tampering with ciphertext, IV, tag, or
// salt yields indexer.ErrInvalidCredential.
func (v *Vault) Decrypt(rec Record) ([]byte, error) {
	if len(rec.IV) == 0 || len(rec.Salt) == 0 {
		return nil, indexer.ErrInvalidCredential
	}
	gcm, err := v.aead(rec.Salt)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(rec.EncryptedData)+len(rec.AuthTag))
	sealed = append(sealed, rec.EncryptedData...)
	sealed = append(sealed, rec.AuthTag...)
	plaintext, err := gcm.Open(nil, rec.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm verification failed", indexer.ErrInvalidCredential)
	}
	return plaintext, nil
}

// GenerateIndexNowKey returns a 32-hex-character key from a CSPRNG.
func GenerateIndexNowKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate indexnow key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Zero wipes a decrypted secret buffer once a job is done with it.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(v.master, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// ErrShortKey helps callers distinguish configuration mistakes in tests.
var ErrShortKey = errors.New("master key too short")
