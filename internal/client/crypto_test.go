package client

import (
	"strings"
	"testing"
)

func TestGroupKeyCrypto(t *testing.T) {
	key, err := NewGroupKey()
	if err != nil {
		t.Fatal(err)
	}

	t.Run("RoundTrip", func(t *testing.T) {
		ciphertext, iv, err := EncryptText(key, "hello, wavelength")
		if err != nil {
			t.Fatalf("EncryptText failed: %v", err)
		}
		if ciphertext == "" || iv == "" {
			t.Fatal("expected non-empty ciphertext and iv")
		}

		plain, err := DecryptText(key, ciphertext, iv)
		if err != nil {
			t.Fatalf("DecryptText failed: %v", err)
		}
		if plain != "hello, wavelength" {
			t.Errorf("got %q", plain)
		}
	})

	t.Run("FreshNoncePerMessage", func(t *testing.T) {
		_, iv1, err := EncryptText(key, "same text")
		if err != nil {
			t.Fatal(err)
		}
		_, iv2, err := EncryptText(key, "same text")
		if err != nil {
			t.Fatal(err)
		}
		if iv1 == iv2 {
			t.Error("nonce reuse across messages")
		}
	})

	t.Run("WrongKeyFailsAuthentication", func(t *testing.T) {
		ciphertext, iv, err := EncryptText(key, "secret")
		if err != nil {
			t.Fatal(err)
		}

		other, err := NewGroupKey()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := DecryptText(other, ciphertext, iv); err == nil {
			t.Error("decryption with the wrong key must fail")
		}
	})

	t.Run("TamperedCiphertextFails", func(t *testing.T) {
		ciphertext, iv, err := EncryptText(key, "secret")
		if err != nil {
			t.Fatal(err)
		}

		tampered := "A" + ciphertext[1:]
		if tampered == ciphertext {
			tampered = "B" + ciphertext[1:]
		}
		if _, err := DecryptText(key, tampered, iv); err == nil {
			t.Error("tampered ciphertext must fail")
		}
	})

	t.Run("RejectsBadKeys", func(t *testing.T) {
		if _, _, err := EncryptText("not-base64!!!", "x"); err == nil {
			t.Error("expected error for malformed key")
		}
		short := "c2hvcnQ=" // "short"
		if _, _, err := EncryptText(short, "x"); err == nil || !strings.Contains(err.Error(), "32 bytes") {
			t.Errorf("expected key length error, got %v", err)
		}
	})
}
