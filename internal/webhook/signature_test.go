package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"action":"opened"}`)

	tests := []struct {
		name   string
		secret []byte
		header string
		want   bool
	}{
		{"valid", secret, sign(secret, body), true},
		{"wrong secret", []byte("other"), sign(secret, body), false},
		{"tampered body", secret, sign(secret, []byte(`{"action":"closed"}`)), false},
		{"missing prefix", secret, hex.EncodeToString([]byte("deadbeef")), false},
		{"sha1 prefix", secret, "sha1=deadbeef", false},
		{"not hex", secret, "sha256=zz-not-hex", false},
		{"empty header", secret, "", false},
		{"empty secret rejects everything", nil, sign(secret, body), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, body, tt.header); got != tt.want {
				t.Errorf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifySignatureUppercaseHex(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte("payload")

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	upper := "sha256=" + strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
	// hex.DecodeString accepts both cases, so an uppercase digest
	// verifies the same as GitHub's lowercase one.
	if !VerifySignature(secret, body, upper) {
		t.Error("uppercase hex rejected")
	}
}
