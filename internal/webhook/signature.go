package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the provider's signature, e.g. "ts=1700000000;h1=<hex>".
const SignatureHeader = "Paddle-Signature"

const signatureKey = "h1"

// Verifier checks that a webhook body was signed with the shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier. An empty secret produces a verifier that
// rejects everything.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret))}
}

// Configured reports whether a shared secret is present.
func (v *Verifier) Configured() bool {
	return v != nil && len(v.secret) > 0
}

// Verify compares the HMAC-SHA256 of the raw body with the h1 values in the
// signature header. body must be the bytes exactly as received. A header may
// carry several h1 values while the provider rotates secrets; any match is
// accepted.
func (v *Verifier) Verify(body []byte, header string) error {
	if !v.Configured() {
		return ErrSecretNotConfigured
	}

	sigs := signaturesFromHeader(header)
	if len(sigs) == 0 {
		return ErrMissingSignature
	}

	expected := ComputeHMAC(body, v.secret)
	for _, sig := range sigs {
		provided, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, provided) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign returns a header value for body, in the same format the provider sends.
func Sign(body []byte, secret string) string {
	return signatureKey + "=" + HMACHex(body, []byte(secret))
}

// signaturesFromHeader extracts every non-empty h1 segment from a header of
// ';'-separated key=value pairs.
func signaturesFromHeader(header string) []string {
	var sigs []string
	for _, part := range strings.Split(header, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || strings.TrimSpace(key) != signatureKey {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			sigs = append(sigs, value)
		}
	}
	return sigs
}

// ComputeHMAC returns the HMAC-SHA256 of payload under secret.
func ComputeHMAC(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// HMACHex is ComputeHMAC, hex encoded. Outbound notifications are signed with it.
func HMACHex(payload, secret []byte) string {
	return hex.EncodeToString(ComputeHMAC(payload, secret))
}
