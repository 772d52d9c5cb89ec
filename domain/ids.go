package domain

import (
	"strings"

	"github.com/google/uuid"
)

const (
	TemporaryPrefix        = "tmp_"
	TemporaryCommentPrefix = "c_tmp_"
)

// NewTemporaryID returns a client-side id for an entity that has not been
// acknowledged by the server yet.
func NewTemporaryID() string {
	return TemporaryPrefix + uuid.NewString()
}

// NewTemporaryCommentID returns a client-side id for an unsynced comment.
func NewTemporaryCommentID() string {
	return TemporaryCommentPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was minted on the client.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryPrefix) || strings.HasPrefix(id, TemporaryCommentPrefix)
}

// IsTemporaryCommentID reports whether id belongs to an unsynced comment.
func IsTemporaryCommentID(id string) bool {
	return strings.HasPrefix(id, TemporaryCommentPrefix)
}
