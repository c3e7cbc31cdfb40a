// Package secret seals the credential fields that are stored at rest.
package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/levenlabs/go-lflag"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/types"
)

// Prefix marks a sealed value.
const Prefix = "enc:"

// ErrNoKey is returned when a sealed value is met but no key is configured.
var ErrNoKey = errors.New("no credentials encryption key configured")

// Sealer encrypts with AES-256-GCM. The sealed form is
// "enc:" + base64(nonce || ciphertext). A Sealer without a key passes plain
// values through and refuses sealed ones.
type Sealer struct {
	key []byte
}

// New returns a Sealer for key, which must be empty or exactly 32 bytes.
func New(key string) (*Sealer, error) {
	if key == "" {
		return &Sealer{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key length %d (must be 32 bytes)", len(key))
	}
	return &Sealer{key: []byte(key)}, nil
}

// Configured registers the key flag.
func Configured() *Sealer {
	key := lflag.String("credentials-encryption-key", "", "32-byte key that opens enc: credential secrets")

	s := &Sealer{}
	lflag.Do(func() {
		sealer, err := New(*key)
		if err != nil {
			panic(err.Error())
		}
		*s = *sealer
	})
	return s
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, Prefix)
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	if s == nil || len(s.key) == 0 {
		return nil, ErrNoKey
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plain. Empty and already sealed values are returned as is.
func (s *Sealer) Seal(ctx context.Context, plain string) (string, error) {
	if plain == "" || IsSealed(plain) {
		return plain, nil
	}
	gcm, err := s.gcm()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot seal secret", slog.Any("error", err))
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the prefix are returned as is.
func (s *Sealer) Open(ctx context.Context, v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	gcm, err := s.gcm()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot open secret", slog.Any("error", err))
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, Prefix))
	if err != nil {
		return "", fmt.Errorf("malformed sealed secret: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed sealed secret", slog.Int("length", len(raw)))
		return "", errors.New("malformed sealed secret")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to open secret", slog.Any("error", err))
		return "", fmt.Errorf("failed to open secret: %w", err)
	}
	return string(plain), nil
}

// OpenCredential opens the password and api secret of cred in place.
func (s *Sealer) OpenCredential(ctx context.Context, cred *types.Credential) error {
	var err error
	if cred.Password, err = s.Open(ctx, cred.Password); err != nil {
		return fmt.Errorf("credential %s password: %w", cred.ID, err)
	}
	if cred.APISecret, err = s.Open(ctx, cred.APISecret); err != nil {
		return fmt.Errorf("credential %s api_secret: %w", cred.ID, err)
	}
	return nil
}

// SealCredential seals the password and api secret of cred in place.
func (s *Sealer) SealCredential(ctx context.Context, cred *types.Credential) error {
	var err error
	if cred.Password, err = s.Seal(ctx, cred.Password); err != nil {
		return err
	}
	if cred.APISecret, err = s.Seal(ctx, cred.APISecret); err != nil {
		return err
	}
	return nil
}
