package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7(t *testing.T) {
	id := UUIDv7{}.New()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, id, UUIDv7{}.New())
}

func TestSequential(t *testing.T) {
	g := NewSequential("rec")
	assert.Equal(t, "rec-1", g.New())
	assert.Equal(t, "rec-2", g.New())
}
