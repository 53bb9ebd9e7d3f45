package test

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomBytes returns "n" bytes from crypto/rand, panics when the source fails.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// RandomID returns random hex string of "n" characters, usable as worker, knowledge or content id.
func RandomID(n int) string {
	return hex.EncodeToString(RandomBytes(n/2 + 1))[:n]
}
