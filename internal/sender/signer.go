// Package sender delivers flight track batches to the ingest API.
package sender

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Sign computes the HMAC-SHA256 of the exact body bytes and encodes the MAC
// as base64 without line breaks, ready for the X-Signature header.
func Sign(body []byte, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
