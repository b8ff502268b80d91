// Package credential seals API keys before they reach the settings table.
// Values are encrypted with AES-256-GCM under a key derived from the
// machine and user, so a copied database is useless elsewhere.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// SealedPrefix marks values as sealed in storage.
const SealedPrefix = "sealed:v1:"

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid sealed format")
)

// Manager seals and opens secrets.
type Manager struct {
	gcm cipher.AEAD
}

// NewManager creates a manager keyed to this machine and user.
func NewManager() (*Manager, error) {
	return NewManagerWithKey(deriveKey())
}

// NewManagerWithKey creates a manager with an explicit 32-byte key.
func NewManagerWithKey(key []byte) (*Manager, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Manager{gcm: gcm}, nil
}

// Seal encrypts plaintext into a storable string. Empty stays empty.
func (m *Manager) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, m.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := m.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Unsealed values pass through unchanged so
// keys set by hand in the database keep working.
func (m *Manager) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidFormat, err)
	}

	nonceSize := m.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrInvalidFormat
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := m.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// IsSecretKey reports whether a settings key names a secret, e.g.
// "openai.api_key" or "images.token".
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, suffix := range []string{"api_key", "apikey", "token", "secret", "password"} {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

// Settings is the key/value store secrets are kept in.
type Settings interface {
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)
}

// Vault wraps Settings so that secret keys are sealed on write and opened
// on read. Other keys are stored as given.
type Vault struct {
	settings Settings
	manager  *Manager
}

func NewVault(s Settings, m *Manager) *Vault {
	return &Vault{settings: s, manager: m}
}

func (v *Vault) SetConfig(key, value string) error {
	if IsSecretKey(key) {
		sealed, err := v.manager.Seal(value)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		value = sealed
	}
	return v.settings.SetConfig(key, value)
}

func (v *Vault) GetConfig(key string) (string, error) {
	stored, err := v.settings.GetConfig(key)
	if err != nil {
		return "", err
	}
	value, err := v.manager.Open(stored)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", key, err)
	}
	return value, nil
}

// deriveKey creates a machine-specific 32-byte key for AES-256.
func deriveKey() []byte {
	var entropy strings.Builder

	hostname, _ := os.Hostname()
	entropy.WriteString(hostname)

	home, _ := os.UserHomeDir()
	entropy.WriteString(home)

	entropy.WriteString(runtime.GOOS)
	entropy.WriteString(runtime.GOARCH)
	entropy.WriteString("canvas-credential-vault-v1")

	if uid := os.Getuid(); uid != -1 {
		entropy.WriteString(fmt.Sprintf("uid:%d", uid))
	}
	if username := os.Getenv("USER"); username != "" {
		entropy.WriteString(username)
	}

	hash := sha256.Sum256([]byte(entropy.String()))
	return hash[:]
}

// MaskSecret returns a masked version of a secret for display purposes.
// Shows only the first and last 4 characters if the secret is long enough.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
