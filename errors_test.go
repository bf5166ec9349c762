package gonvme

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandErrorCarriesStatus(t *testing.T) {
	err := NewCommandError("identify", 0, 0x01, 0x18)

	sct, sc, ok := CommandStatus(err)
	require.True(t, ok)
	require.Equal(t, uint8(0x01), sct)
	require.Equal(t, uint8(0x18), sc)
	require.True(t, IsCode(err, ErrCodeCommandFailed))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := NewQueueError("ring_submission_doorbell", 1, ErrCodeResetTimeout, "timed out")
	b := NewError("enable", ErrCodeResetTimeout, "other")

	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, NewError("x", ErrCodeUnsupported, "")))
}

func TestWrapErrorPreservesCode(t *testing.T) {
	inner := NewCommandError("create_io_submission_queue", 1, 0, 0x02)
	wrapped := WrapError("create_new_queue", inner)

	require.Equal(t, ErrCodeCommandFailed, wrapped.Code)
	require.ErrorIs(t, wrapped, inner)
}
