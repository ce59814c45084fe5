// Package ids generates identifiers for batches and upload records.
package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// New creates a new cryptographically random ID with the given prefix.
// The prefix should include a trailing dash, e.g. "rec-", "batch-".
func New(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msgf("Failed to generate random %s ID", prefix)
	}
	return prefix + hex.EncodeToString(b)
}

// NewGalleryID returns a UUID suitable for identifying a gallery.
// Galleries are addressed by the remote API, which expects UUID format.
func NewGalleryID() string {
	return uuid.NewString()
}
