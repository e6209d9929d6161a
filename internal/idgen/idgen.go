// Package idgen generates the 8-character session ids spec.md §6.5
// requires: URL-safe, uniform, drawn from a cryptographically strong RNG.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	idLength = 8
)

// SessionID returns a new 8-character ASCII id from [A-Za-z0-9_-].
func SessionID() string {
	b := make([]byte, idLength)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on any supported platform only fails if the
		// system entropy source is broken; fall back to a UUID-derived id
		// rather than leave an unfilled buffer.
		u := uuid.New()
		copy(b, u[:idLength])
	}
	for i, v := range b {
		b[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(b)
}

// ViewerID returns a new server-generated viewer id. Viewer ids are not
// part of the wire protocol (only session ids are framed), so a UUID is
// sufficient and matches the teacher's id-generation idiom.
func ViewerID() string {
	return uuid.New().String()
}
