package accounts

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32
)

var ErrSecretKeyRequired = errors.New("secret key is required to seal or open account secrets (set GRIDVID_SECRET_KEY)")

// Sealer encrypts account secrets with a key derived from an operator passphrase.
type Sealer struct {
	key [keySize]byte
}

func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrSecretKeyRequired
	}
	if len(salt) < saltSize {
		return nil, fmt.Errorf("sealer salt must be at least %d bytes, got %d", saltSize, len(salt))
	}
	derived := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, keySize)
	s := &Sealer{}
	copy(s.key[:], derived)
	return s, nil
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed secret is truncated")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("open sealed secret: wrong key or corrupted data")
	}
	return out, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
