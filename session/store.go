// Package session persists conversations, one record per session.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	aiprompt "github.com/CWade3051/AIPrompt"
)

// Sentinel errors for store operations.
var (
	ErrNotFound    = errors.New("session not found")
	ErrCorrupt     = errors.New("session record corrupt")
	ErrWriteFailed = errors.New("session store write failed")
	ErrInvalidID   = errors.New("invalid session id")
)

// Store is durable storage for sessions. List must reflect every completed
// Save and Delete; implementations may not serve stale listings.
type Store interface {
	// Save writes the whole session under its id, replacing any prior record.
	Save(s *aiprompt.Session) error
	// Load returns the session stored under id, failing with ErrNotFound or ErrCorrupt.
	Load(id string) (*aiprompt.Session, error)
	// List returns every readable session, newest timestamp first.
	List() ([]aiprompt.SessionInfo, error)
	// Delete removes the given sessions. Unknown ids are ignored.
	Delete(ids ...string) error
	// DeleteAll removes every session.
	DeleteAll() error
}

// NewID returns a fresh session id. IDs are UUIDv7 strings, so lexical
// order is creation order.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return id.String(), nil
}

var reID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidID reports whether id can name a record. Legacy ids such as
// "chat_1700000000" are accepted alongside UUIDs.
func ValidID(id string) bool {
	return reID.MatchString(id) && !strings.Contains(id, "..")
}
