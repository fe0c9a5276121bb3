package crypto

import (
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := NewEncryptor("passphrase of any length works")

	plaintexts := []string{"", "sk-test-key", "multi\nline\nsecret", "unicode: héllo"}
	for _, plaintext := range plaintexts {
		ciphertext, err := e.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if ciphertext == plaintext && plaintext != "" {
			t.Errorf("ciphertext equals plaintext for %q", plaintext)
		}

		got, err := e.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	e := NewEncryptor("key")

	a, err := e.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := e.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("two encryptions produced the same ciphertext")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	ciphertext, err := NewEncryptor("right key").Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := NewEncryptor("wrong key").Decrypt(ciphertext); err == nil {
		t.Error("decryption with the wrong key should fail")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	e := NewEncryptor("key")

	if _, err := e.Decrypt("not base64 at all %%%"); err == nil {
		t.Error("invalid base64 should fail")
	}

	// Valid base64 but shorter than a nonce.
	if _, err := e.Decrypt("c2hvcnQ="); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
}
