// Package secrets seals private key seeds at rest with a passphrase.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	sealVersion     = 1
	saltSize        = 32
	domainSeparator = "DESKLICENSE-SEAL-V1"
)

var (
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")
	ErrTampered        = errors.New("integrity verification failed")
	ErrWrongPassphrase = errors.New("decryption failed, wrong passphrase")
)

// Config holds the key derivation and AEAD parameters.
type Config struct {
	SCryptN      int // CPU/memory cost (32768 minimum)
	SCryptR      int
	SCryptP      int
	SCryptKeyLen int // 32 for AES-256
	NonceSize    int
}

// DefaultConfig returns the parameters used for keyring files.
func DefaultConfig() Config {
	return Config{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	}
}

// Validate rejects parameters weaker than the defaults.
func (c Config) Validate() error {
	switch {
	case c.SCryptN < 32768:
		return errors.New("SCryptN must be at least 32768")
	case c.SCryptN&(c.SCryptN-1) != 0:
		return errors.New("SCryptN must be a power of two")
	case c.SCryptR < 8:
		return errors.New("SCryptR must be at least 8")
	case c.SCryptP < 1:
		return errors.New("SCryptP must be at least 1")
	case c.SCryptKeyLen != 32:
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	case c.NonceSize != 12:
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	return nil
}

// sealed is the JSON document behind each sealed string.
type sealed struct {
	Version    uint8  `json:"version"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Integrity  []byte `json:"integrity"`
}

// PassphraseSealer encrypts with AES-256-GCM under a scrypt-derived key.
// Every Seal call draws a fresh salt and nonce.
type PassphraseSealer struct {
	passphrase []byte
	cfg        Config
}

// NewPassphraseSealer validates cfg and copies passphrase.
func NewPassphraseSealer(passphrase string, cfg Config) (*PassphraseSealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid seal config: %w", err)
	}
	return &PassphraseSealer{passphrase: []byte(passphrase), cfg: cfg}, nil
}

// Seal encrypts plaintext and returns a base64 encoded document.
func (s *PassphraseSealer) Seal(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", errors.New("plaintext cannot be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, s.cfg.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := s.aead(salt, s.cfg.SCryptN, s.cfg.SCryptR, s.cfg.SCryptP)
	if err != nil {
		return "", err
	}

	doc := sealed{
		Version:    sealVersion,
		N:          s.cfg.SCryptN,
		R:          s.cfg.SCryptR,
		P:          s.cfg.SCryptP,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, []byte(domainSeparator)),
	}
	doc.Integrity = integrityHash(doc.Ciphertext, salt, nonce)

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode sealed document: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Unseal reverses Seal. The scrypt cost stored in the document is used,
// so raising the default does not orphan older keyrings.
func (s *PassphraseSealer) Unseal(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealed document: %w", err)
	}
	var doc sealed
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode sealed document: %w", err)
	}
	if doc.Version != sealVersion {
		return nil, fmt.Errorf("unsupported sealed document version: %d", doc.Version)
	}
	if len(doc.Nonce) != s.cfg.NonceSize || len(doc.Salt) != saltSize {
		return nil, fmt.Errorf("%w: bad salt or nonce length", ErrTampered)
	}

	expected := integrityHash(doc.Ciphertext, doc.Salt, doc.Nonce)
	if subtle.ConstantTimeCompare(doc.Integrity, expected) != 1 {
		return nil, ErrTampered
	}

	params := Config{SCryptN: doc.N, SCryptR: doc.R, SCryptP: doc.P, SCryptKeyLen: 32, NonceSize: s.cfg.NonceSize}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTampered, err)
	}

	gcm, err := s.aead(doc.Salt, doc.N, doc.R, doc.P)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, doc.Nonce, doc.Ciphertext, []byte(domainSeparator))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	return plaintext, nil
}

func (s *PassphraseSealer) aead(salt []byte, n, r, p int) (cipher.AEAD, error) {
	key, err := scrypt.Key(s.passphrase, salt, n, r, p, s.cfg.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func integrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domainSeparator))
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
