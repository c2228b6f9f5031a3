package ids

import "github.com/google/uuid"

// NewEventID returns a random RFC 4122 identifier used as the event dedup key.
func NewEventID() string {
	return uuid.NewString()
}

// ValidEventID reports whether id parses as a UUID.
func ValidEventID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
