package storage

import (
	"encoding/base32"
	"strings"
)

// Lower-case, padding-free alphabet, same shape as the teacher's device-code
// encoding: safe to embed in URLs and case-insensitive stores.
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

func encodeBase32(b []byte) string {
	return strings.TrimRight(idEncoding.EncodeToString(b), "=")
}
