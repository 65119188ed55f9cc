// Package vault AEAD-encrypts device session blobs with a process-wide
// symmetric key. Tokens are self-describing: v1:iv:tag:ciphertext, each
// field standard base64.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

const tokenVersion = "v1"

// gcmTagSize is fixed by AES-GCM; the tag travels as its own token field.
const gcmTagSize = 16

var (
	// ErrBadKey indicates the key is absent or not exactly 32 bytes.
	ErrBadKey = errors.New("vault: key must be exactly 32 bytes")
	// ErrBadFormat indicates a token that does not parse as v1:iv:tag:ct.
	ErrBadFormat = errors.New("vault: malformed token")
	// ErrBadTag indicates an authentication failure on decrypt.
	ErrBadTag = errors.New("vault: authentication failed")
)

// Vault encrypts and decrypts with a single AES-256-GCM key shared by every
// worker in the fleet.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from a base64-encoded 256-bit key.
func New(keyB64 string) (*Vault, error) {
	if keyB64 == "" {
		return nil, ErrBadKey
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, errors.Wrap(ErrBadKey, err.Error())
	}
	if len(key) != 32 {
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(ErrBadKey, err.Error())
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(ErrBadKey, err.Error())
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh 96-bit nonce.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "vault: nonce")
	}
	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]
	b64 := base64.StdEncoding
	return strings.Join([]string{
		tokenVersion,
		b64.EncodeToString(iv),
		b64.EncodeToString(tag),
		b64.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens a v1 token. Integrity is tied to confidentiality: any
// bit-flip in iv, tag or ciphertext fails with ErrBadTag.
func (v *Vault) Decrypt(token string) ([]byte, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 || parts[0] != tokenVersion {
		return nil, ErrBadFormat
	}
	b64 := base64.StdEncoding
	iv, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, ErrBadFormat
	}
	tag, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, ErrBadFormat
	}
	ct, err := b64.DecodeString(parts[3])
	if err != nil {
		return nil, ErrBadFormat
	}
	if len(iv) != v.aead.NonceSize() || len(tag) != gcmTagSize {
		return nil, ErrBadFormat
	}
	plaintext, err := v.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrBadTag
	}
	return plaintext, nil
}
