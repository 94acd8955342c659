package client

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// signBody computes the same HMAC-SHA512 hex digest scheme the manager
// expects on mutating requests (see pkg/workerrpc for the matching
// verification side).
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
