package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// Test key generated with: openssl rand -base64 32
const testKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM=" // "test-key-for-unit-tests-32-bytes"

func TestNewTokenSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid 32-byte base64 key", key: testKey},
		{name: "empty key", key: "", wantErr: true},
		{name: "passphrase hashed to 32 bytes", key: "my-simple-passphrase"},
		{name: "short base64 key hashed", key: base64.StdEncoding.EncodeToString([]byte("sixteen-byte-key"))},
		{name: "long base64 key hashed", key: base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 64)))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenSealer(tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("expected ErrInvalidKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewTokenSealer(testKey)
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}

	binding := Binding("owner-1", "google")
	sealed, err := s.Seal("1//refresh-token", binding)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if !strings.HasPrefix(sealed, "v1:") {
		t.Errorf("expected versioned ciphertext, got %q", sealed)
	}
	if strings.Contains(sealed, "refresh-token") {
		t.Error("ciphertext contains plaintext")
	}

	got, err := s.Open(sealed, binding)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if got != "1//refresh-token" {
		t.Errorf("expected round trip, got %q", got)
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	s, _ := NewTokenSealer(testKey)
	a, _ := s.Seal("token", "b")
	b, _ := s.Seal("token", "b")
	if a == b {
		t.Error("expected different ciphertexts for the same plaintext")
	}
}

func TestSeal_RejectsEmpty(t *testing.T) {
	s, _ := NewTokenSealer(testKey)
	if _, err := s.Seal("", "b"); err == nil {
		t.Error("expected error sealing empty token")
	}
}

func TestOpen_WrongBinding(t *testing.T) {
	s, _ := NewTokenSealer(testKey)
	sealed, _ := s.Seal("token", Binding("owner-1", "google"))

	_, err := s.Open(sealed, Binding("owner-2", "google"))
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed for another owner, got %v", err)
	}
}

func TestOpen_WrongKey(t *testing.T) {
	a, _ := NewTokenSealer(testKey)
	b, _ := NewTokenSealer("another-passphrase")
	sealed, _ := a.Seal("token", "x")

	if _, err := b.Open(sealed, "x"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestOpen_KeyRotation(t *testing.T) {
	old, _ := NewTokenSealer("old-key")
	sealed, _ := old.Seal("token", "x")

	rotated, err := NewTokenSealer("new-key", "old-key")
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	got, err := rotated.Open(sealed, "x")
	if err != nil {
		t.Fatalf("expected previous key to open ciphertext: %v", err)
	}
	if got != "token" {
		t.Errorf("got %q", got)
	}
}

func TestOpen_Malformed(t *testing.T) {
	s, _ := NewTokenSealer(testKey)
	for _, in := range []string{"", "plain", "v1:not-base64!!", "v1:" + base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := s.Open(in, "x"); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Open(%q): expected ErrDecryptionFailed, got %v", in, err)
		}
	}
}
