package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidID is returned for session ids that cannot be used as storage keys.
var ErrInvalidID = errors.New("invalid session id")

// validID matches ULIDs, UUIDs, and other safe identifiers.
// Only alphanumeric, dashes, and underscores are allowed.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// ValidateID checks that id is safe to use as a path segment and storage key.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w %q: must be alphanumeric with dashes/underscores, 1-128 chars", ErrInvalidID, id)
	}
	return nil
}
