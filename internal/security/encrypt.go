package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fernet/fernet-go"
	"github.com/samber/lo"
	"golang.org/x/crypto/hkdf"
)

// ErrUndecryptable is returned when no configured key opens a payload.
var ErrUndecryptable = errors.New("payload does not decrypt with any configured key")

const (
	sealedPrefix = "v1."
	kdfInfo      = "chatcore-message-content"
)

// Encryptor seals message text at rest. Payloads are "v1." followed by the
// base64url nonce and AES-256-GCM ciphertext. Fernet tokens are still
// opened when their keys are listed in LEGACY_ENCRYPTION_KEYS, so content
// sealed under a rotated Fernet key stays readable.
type Encryptor struct {
	gcm    gcmSealer
	legacy legacyKeyring
}

func NewEncryptor(key []byte, legacyKeys []string) (*Encryptor, error) {
	if len(key) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	gcm, err := newGCMSealer(key)
	if err != nil {
		return nil, err
	}
	// A primary key that is itself a Fernet key also opens Fernet tokens.
	return &Encryptor{
		gcm:    gcm,
		legacy: newLegacyKeyring(append([]string{string(key)}, legacyKeys...)),
	}, nil
}

func (e *Encryptor) Encrypt(plain string) (string, error) {
	sealed, err := e.gcm.seal([]byte(plain))
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(payload string) (string, error) {
	if body, ok := strings.CutPrefix(payload, sealedPrefix); ok {
		raw, err := base64.RawURLEncoding.DecodeString(body)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
		}
		plain, err := e.gcm.open(raw)
		if err != nil {
			return "", ErrUndecryptable
		}
		return string(plain), nil
	}
	if plain, ok := e.legacy.open(payload); ok {
		return string(plain), nil
	}
	return "", ErrUndecryptable
}

type gcmSealer struct {
	aead cipher.AEAD
}

// newGCMSealer stretches a secret of any length to an AES-256 key.
func newGCMSealer(secret []byte) (gcmSealer, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(kdfInfo)), key); err != nil {
		return gcmSealer{}, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return gcmSealer{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return gcmSealer{}, err
	}
	return gcmSealer{aead: aead}, nil
}

// seal returns nonce||ciphertext.
func (g gcmSealer) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, g.aead.NonceSize(), g.aead.NonceSize()+len(plain)+g.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return g.aead.Seal(nonce, nonce, plain, nil), nil
}

func (g gcmSealer) open(sealed []byte) ([]byte, error) {
	n := g.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("sealed payload too short")
	}
	return g.aead.Open(nil, sealed[:n], sealed[n:], nil)
}

// legacyKeyring holds the Fernet keys that can still open old tokens.
// Entries that are not valid Fernet keys are skipped.
type legacyKeyring []*fernet.Key

func newLegacyKeyring(raw []string) legacyKeyring {
	return lo.FilterMap(raw, func(s string, _ int) (*fernet.Key, bool) {
		k, err := fernet.DecodeKey(strings.TrimSpace(s))
		return k, err == nil
	})
}

func (r legacyKeyring) open(token string) ([]byte, bool) {
	if len(r) == 0 {
		return nil, false
	}
	// A zero ttl accepts tokens of any age.
	plain := fernet.VerifyAndDecrypt([]byte(token), 0, r)
	return plain, plain != nil
}
