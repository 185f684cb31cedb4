package ledger

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// signRequest adds client attestation headers to an HTTP request.
// Signature = HMAC-SHA256(token, nonce + "." + timestamp + "." + bodyHash)
func signRequest(req *http.Request, token string, body []byte, now time.Time) {
	nonce := generateNonce()
	timestamp := fmt.Sprintf("%d", now.Unix())

	req.Header.Set("X-Client-Version", "cityminer/"+version)
	req.Header.Set("X-Client-Nonce", nonce)
	req.Header.Set("X-Client-Timestamp", timestamp)
	req.Header.Set("X-Client-Signature", sign(token, nonce, timestamp, sha256Hex(body)))
}

// VerifySignature checks if the given headers produce a valid HMAC.
// Exported so fake ledgers in tests can check attestation the same way.
func VerifySignature(token, nonce, timestamp string, body []byte, signature string) bool {
	expected := sign(token, nonce, timestamp, sha256Hex(body))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func sign(token, nonce, timestamp, bodyHash string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(nonce + "." + timestamp + "." + bodyHash))
	return hex.EncodeToString(mac.Sum(nil))
}

func generateNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
