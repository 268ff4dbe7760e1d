package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint is the deterministic hash of a check type and normalized payload.
// Equivalent inputs that differ only in case or whitespace collide.
func Fingerprint(checkType CheckType, payload Payload) string {
	n := payload.Normalize()
	_, document := n.Document()
	key := strings.Join([]string{string(checkType), n.LastName, n.DateOfBirth, document}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
