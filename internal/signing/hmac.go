package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// Sign computes HMAC-SHA256 of payload using the given secret and returns the hex-encoded signature.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks that the given signature matches the HMAC-SHA256 of payload with the given secret.
func Verify(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// SecretLength is the length of generated subscription secrets.
const SecretLength = 40

// NewSecret generates a high-entropy alphanumeric secret for signing.
func NewSecret() (string, error) {
	buf := make([]byte, SecretLength)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = secretAlphabet[n.Int64()]
	}
	return string(buf), nil
}
