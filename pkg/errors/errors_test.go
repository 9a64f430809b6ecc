package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsTypedError(t *testing.T) {
	err := New(MemoryRead, "short read at 0x1000")
	assert.Equal(t, MemoryRead, KindOf(err))
	assert.True(t, Is(err, MemoryRead))
	assert.False(t, Is(err, Torn))
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(assert.AnError))
}

func TestClassifyTable(t *testing.T) {
	scenarios := []struct {
		kind     Kind
		expected Action
	}{
		{MemoryRead, ActionRetryInPlace},
		{Torn, ActionRelocate},
		{LayoutMismatch, ActionRelocate},
		{Permission, ActionAbort},
		{VersionUnknown, ActionAbort},
		{TargetGone, ActionTerminate},
		{Cancelled, ActionTerminate},
		{NativeUnwind, ActionSkip},
		{Internal, ActionSkip},
	}

	for _, s := range scenarios {
		err := New(s.kind, "boom")
		assert.Equal(t, s.expected, Classify(err), "kind %s", s.kind)
	}
}

func TestRetryClassifierTripsAtLimit(t *testing.T) {
	c := NewRetryClassifier(3)

	assert.False(t, c.Observe(false))
	assert.False(t, c.Observe(false))
	assert.True(t, c.Observe(false))
	assert.Equal(t, 3, c.Count())

	assert.False(t, c.Observe(true))
	assert.Equal(t, 0, c.Count())
}

func TestRetryClassifierZeroLimitTreatedAsOne(t *testing.T) {
	c := NewRetryClassifier(0)
	assert.True(t, c.Observe(false))
}

func TestWrapFatalNilIsNil(t *testing.T) {
	assert.NoError(t, WrapFatal(nil))
}
