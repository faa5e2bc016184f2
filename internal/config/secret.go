package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// sealedPrefix marks an API key that is stored encrypted. Values
// without it are treated as plaintext and sealed on the next save.
const sealedPrefix = "enc:"

const keyFileName = "machine.key"

// sealer encrypts API keys at rest with AES-256-GCM under a key
// derived from a per-machine random secret stored next to the config.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(configDir string) (*sealer, error) {
	master, err := loadOrCreateMachineKey(filepath.Join(configDir, keyFileName))
	if err != nil {
		return nil, err
	}

	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, master, nil, []byte("elivro-imagine api key sealing"))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func loadOrCreateMachineKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil && len(key) == 32 {
		return key, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading machine key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating machine key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing machine key: %w", err)
	}
	return key, nil
}

// seal encrypts a plaintext key for storage. Empty and already-sealed
// values pass through unchanged.
func (s *sealer) seal(value string) (string, error) {
	if value == "" || isSealed(value) {
		return value, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// open decrypts a sealed key. Plaintext values pass through so a
// hand-edited config keeps working; undecryptable values (the key
// file was regenerated) yield an empty key rather than garbage.
func (s *sealer) open(value string) string {
	if !isSealed(value) {
		return value
	}

	raw, err := base64.StdEncoding.DecodeString(value[len(sealedPrefix):])
	if err != nil || len(raw) < s.aead.NonceSize() {
		return ""
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ""
	}
	return string(plain)
}

func isSealed(value string) bool {
	return len(value) > len(sealedPrefix) && value[:len(sealedPrefix)] == sealedPrefix
}
