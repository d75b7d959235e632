package tasks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
)

// Signature headers set on signed webhook deliveries.
const (
	SignatureHeader          = "X-Webhook-Signature"
	SignatureAlgorithmHeader = "X-Webhook-Signature-Algorithm"
	TimestampHeader          = "X-Webhook-Timestamp"

	signatureAlgorithm = "sha256"
)

// SignPayload returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func SignPayload(secret string, timestamp int64, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload in constant time.
func VerifySignature(secret string, timestamp int64, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(SignPayload(secret, timestamp, body))
	return hmac.Equal(got, want)
}

func addSignatureHeaders(h http.Header, secret string, timestamp int64, body []byte) {
	h.Set(SignatureHeader, SignPayload(secret, timestamp, body))
	h.Set(SignatureAlgorithmHeader, signatureAlgorithm)
	h.Set(TimestampHeader, strconv.FormatInt(timestamp, 10))
}
