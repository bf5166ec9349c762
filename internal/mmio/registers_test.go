package mmio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoorbellOffsetLaw(t *testing.T) {
	cases := []struct {
		queueID uint16
		kind    DoorbellKind
		dstrd   uint8
		want    int
	}{
		{0, DoorbellSubmission, 0, 0x1000},
		{0, DoorbellCompletion, 0, 0x1004},
		{1, DoorbellSubmission, 0, 0x1008},
		{1, DoorbellCompletion, 0, 0x100C},
		{1, DoorbellSubmission, 2, 0x1020},
	}
	for _, c := range cases {
		got := DoorbellOffset(RegDoorbellBaseForTest, c.queueID, c.kind, c.dstrd)
		require.Equal(t, c.want, got, "queue=%d kind=%d dstrd=%d", c.queueID, c.kind, c.dstrd)
	}
}

// RegDoorbellBaseForTest mirrors the driver's RegDoorbellBase constant
// without importing the root package (which would create an import cycle
// since the root package imports mmio).
const RegDoorbellBaseForTest = 0x1000

func TestRegisterWindow64BitRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	w := New(buf)

	w.Write64(0x28, 0x00001000_deadbeef)
	require.Equal(t, uint32(0xdeadbeef), w.Read32(0x28))
	require.Equal(t, uint32(0x00001000), w.Read32(0x2C))
	require.Equal(t, uint64(0x00001000_deadbeef), w.Read64(0x28))
}
