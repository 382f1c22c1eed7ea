package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature checks a GitHub webhook signature header
// ("sha256=<hex>") against the HMAC-SHA256 of the raw body. The
// comparison is constant-time over the MAC bytes; hex case does not
// matter.
func VerifySignature(secret []byte, body []byte, signatureHeader string) bool {
	if len(secret) == 0 {
		return false
	}
	header := strings.TrimSpace(signatureHeader)
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
