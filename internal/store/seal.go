package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters, OWASP recommended minimums for AES-256 key derivation.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	sealSaltLen  = 32
	sealNonceLen = 12
)

// sealSecret seeds key derivation for at-rest sealing. The per-installation
// salt stored next to the data makes the derived key unique per deployment.
const sealSecret = "UW-License-Store-Seal-v1"

// sealedPayload is the on-disk envelope for sealed records.
type sealedPayload struct {
	Version    uint8  `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// sealer encrypts and decrypts store records with AES-256-GCM under a
// scrypt-derived key. The key is derived once per store instance; records
// carry only a random nonce.
type sealer struct {
	key []byte
}

// newSealer derives the sealing key from the install salt, creating the salt
// on first use.
func newSealer(dir string) (*sealer, error) {
	saltPath := filepath.Join(dir, ".seal-salt")

	salt, err := os.ReadFile(saltPath)
	if errors.Is(err, os.ErrNotExist) {
		salt = make([]byte, sealSaltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate seal salt: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0600); err != nil {
			return nil, fmt.Errorf("failed to persist seal salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read seal salt: %w", err)
	}
	if len(salt) != sealSaltLen {
		return nil, fmt.Errorf("seal salt has unexpected length %d", len(salt))
	}

	key, err := scrypt.Key([]byte(sealSecret), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive seal key: %w", err)
	}

	return &sealer{key: key}, nil
}

// seal encrypts v as JSON and returns the serialized envelope.
func (s *sealer) seal(v interface{}) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, sealNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := sealedPayload{
		Version:    1,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}
	return json.Marshal(payload)
}

// open decrypts a sealed envelope into v. Any tampering fails the GCM tag
// check and is surfaced as an error.
func (s *sealer) open(data []byte, v interface{}) error {
	var payload sealedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to parse sealed record: %w", err)
	}
	if payload.Version != 1 {
		return fmt.Errorf("unsupported sealed record version %d", payload.Version)
	}
	if len(payload.Nonce) != sealNonceLen {
		return fmt.Errorf("sealed record nonce has unexpected length %d", len(payload.Nonce))
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, nil)
	if err != nil {
		return fmt.Errorf("failed to open sealed record: %w", err)
	}
	return json.Unmarshal(plaintext, v)
}
