package ulid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestService_Generate_ReturnsLowercaseMonotonicIDs(t *testing.T) {
	s := New()
	a := s.Generate()
	b := s.Generate()

	assert.Equal(t, strings.ToLower(a), a)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "successive IDs from the same Service must sort monotonically")
}

func TestNewULID_UsesPackageDefault(t *testing.T) {
	id := NewULID()
	assert.NotEmpty(t, id)
	assert.Equal(t, strings.ToLower(id), id)
}
