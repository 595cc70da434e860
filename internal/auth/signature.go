package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// WebhookVerifier handles HMAC signature verification for inbound gateway
// notifications. The signature covers the notification fields, canonicalized
// as sorted key=value pairs, keyed with the merchant's consumer secret.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier creates a verifier keyed with the consumer secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret)}
}

// ExtractSignature pulls the notification signature from an HTTP request.
// The gateway sends it as the X-Pesapal-Signature header; some deliveries
// use the lowercase pesapal-signature form or a signature query parameter.
func (v *WebhookVerifier) ExtractSignature(r *http.Request) (string, error) {
	sig := r.Header.Get("X-Pesapal-Signature")
	if sig == "" {
		sig = r.Header.Get("pesapal-signature")
	}
	if sig == "" {
		sig = r.URL.Query().Get("signature")
	}
	if sig == "" {
		return "", fmt.Errorf("signature required: include the X-Pesapal-Signature header")
	}
	return sig, nil
}

// Sign computes the hex-encoded HMAC-SHA256 signature over the canonical
// form of the notification fields.
func (v *WebhookVerifier) Sign(fields map[string]string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(canonicalize(fields)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the presented signature against the notification fields.
// Comparison is constant time.
func (v *WebhookVerifier) Verify(fields map[string]string, signature string) error {
	expected := v.Sign(fields)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// canonicalize renders the fields as key=value pairs joined with &, keys
// sorted, so both sides sign the same byte sequence regardless of map order.
func canonicalize(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}
