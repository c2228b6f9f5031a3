package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEventIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewEventID()
		assert.True(t, ValidEventID(id))
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestValidEventID(t *testing.T) {
	assert.True(t, ValidEventID("11111111-1111-1111-1111-111111111111"))
	assert.False(t, ValidEventID("not-a-uuid"))
	assert.False(t, ValidEventID(""))
}
