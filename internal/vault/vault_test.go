package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, size := range []int{0, 1, 16, 1024, 65536} {
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatal(err)
		}
		token, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", size, err)
		}
		if !strings.HasPrefix(token, "v1:") {
			t.Fatalf("token missing version prefix: %q", token)
		}
		if parts := strings.Split(token, ":"); len(parts) != 4 {
			t.Fatalf("token has %d parts, want 4", len(parts))
		}
		got, err := v.Decrypt(token)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes): %v", size, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("roundtrip mismatch at size %d", size)
		}
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	token, err := v.Encrypt([]byte("device credential blob"))
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(token, ":")
	b64 := base64.StdEncoding

	// flip one bit in each of iv, tag, ciphertext
	for i := 1; i <= 3; i++ {
		raw, err := b64.DecodeString(parts[i])
		if err != nil {
			t.Fatal(err)
		}
		raw[0] ^= 0x01
		tampered := make([]string, 4)
		copy(tampered, parts)
		tampered[i] = b64.EncodeToString(raw)
		if _, err := v.Decrypt(strings.Join(tampered, ":")); !errors.Is(err, ErrBadTag) {
			t.Fatalf("field %d tampered: got %v, want ErrBadTag", i, err)
		}
	}
}

func TestDecryptRejectsMalformedTokens(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	cases := []string{
		"",
		"v1",
		"v1:only:three",
		"v2:aaaa:bbbb:cccc",
		"v1:!!!:bbbb:cccc",
		"v1:aaaa:bbbb:cccc:extra",
	}
	for _, token := range cases {
		if _, err := v.Decrypt(token); !errors.Is(err, ErrBadFormat) {
			t.Errorf("Decrypt(%q): got %v, want ErrBadFormat", token, err)
		}
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	v1, err := New(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := New(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	token, err := v1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v2.Decrypt(token); !errors.Is(err, ErrBadTag) {
		t.Fatalf("wrong key: got %v, want ErrBadTag", err)
	}
}

func TestNewValidatesKey(t *testing.T) {
	cases := []string{
		"",
		"not base64 !!!",
		base64.StdEncoding.EncodeToString(make([]byte, 16)),
		base64.StdEncoding.EncodeToString(make([]byte, 31)),
		base64.StdEncoding.EncodeToString(make([]byte, 33)),
	}
	for _, key := range cases {
		if _, err := New(key); !errors.Is(err, ErrBadKey) {
			t.Errorf("New(%q): got %v, want ErrBadKey", key, err)
		}
	}
	if _, err := New(base64.StdEncoding.EncodeToString(make([]byte, 32))); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
}
