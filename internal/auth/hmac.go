package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Request headers carried by every authenticated agent call.
const (
	HeaderToken     = "X-Agent-Token"
	HeaderSignature = "X-HMAC-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
)

// Sign computes the hex HMAC-SHA256 of timestamp ":" nonce ":" body. The key
// is the secret string as written, not its hex-decoded bytes.
func Sign(secret, timestamp, nonce string, body []byte) string {
	return hex.EncodeToString(mac(secret, timestamp, nonce, body))
}

func mac(secret, timestamp, nonce string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{':'})
	h.Write([]byte(nonce))
	h.Write([]byte{':'})
	h.Write(body)
	return h.Sum(nil)
}

// validSignature compares the presented hex signature in constant time.
func validSignature(secret, timestamp, nonce string, body []byte, presented string) bool {
	got, err := hex.DecodeString(presented)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(secret, timestamp, nonce, body))
}
