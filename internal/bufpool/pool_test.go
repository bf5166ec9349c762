package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsRequestedSize(t *testing.T) {
	buf := Get(512)
	require.Len(t, buf, 512)
	Put(buf)
}

func TestGetPutRoundTripReusesCapacity(t *testing.T) {
	buf := Get(size4k)
	cap0 := cap(buf)
	Put(buf)

	buf2 := Get(size4k)
	require.Equal(t, cap0, cap(buf2))
	Put(buf2)
}

func TestOversizeFallsThroughToDirectAllocation(t *testing.T) {
	buf := Get(size16m + 1)
	require.Len(t, buf, size16m+1)
	Put(buf) // no-op, non-standard capacity
}
