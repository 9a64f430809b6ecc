package nativeunwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullUnwinderDegradesGracefully(t *testing.T) {
	var u Unwinder = NullUnwinder{}

	frames, err := u.Unwind(123, 456)
	assert.NoError(t, err)
	assert.Empty(t, frames)
	assert.True(t, u.IsInterpreterIP(0xdeadbeef))
}
