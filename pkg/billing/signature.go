package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the header carrying the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Signature"

const signaturePrefix = "sha256="

// VerifySignature reports whether signatureHeader is the hex HMAC-SHA256 of
// rawBody under secret. rawBody must be the exact bytes received; any
// re-serialization changes the digest. An empty secret, an empty header or
// malformed hex all return false.
func VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	sig := strings.TrimSpace(signatureHeader)
	if len(sig) >= len(signaturePrefix) && strings.EqualFold(sig[:len(signaturePrefix)], signaturePrefix) {
		sig = sig[len(signaturePrefix):]
	}
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeHMAC(rawBody, secret))
}

// SignPayload returns the header value VerifySignature accepts for body.
func SignPayload(secret string, body []byte) string {
	return hex.EncodeToString(computeHMAC(body, secret))
}

func computeHMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
