package guard

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"execcore/internal/types"
)

// Verifier checks the X-Signature of a signal body: hex HMAC-SHA256 over the
// canonical JSON form of the body.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool { return v != nil && len(v.secret) > 0 }

// Sign returns the hex signature for body. Used by clients and tests.
func (v *Verifier) Sign(body []byte) (string, error) {
	canon, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(v.mac(canon)), nil
}

func (v *Verifier) Verify(body []byte, signature string) error {
	if !v.Enabled() {
		return types.Reject(types.CodeInvalidSignature, "no signing secret configured")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return types.Reject(types.CodeInvalidSignature, "missing signature")
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return types.Reject(types.CodeInvalidSignature, "signature is not hex")
	}
	canon, err := Canonicalize(body)
	if err != nil {
		return types.RejectWrap(types.CodeSchemaError, err)
	}
	if !hmac.Equal(given, v.mac(canon)) {
		return types.Reject(types.CodeInvalidSignature, "signature mismatch")
	}
	return nil
}

func (v *Verifier) mac(msg []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(msg)
	return h.Sum(nil)
}

// Canonicalize re-encodes a JSON document with object keys sorted, no
// insignificant whitespace, and numbers kept as written.
func Canonicalize(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid json: trailing data")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
