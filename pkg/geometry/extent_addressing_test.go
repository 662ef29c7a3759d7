package geometry_test

import (
	"testing"

	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestExtentNumber(t *testing.T) {
	require.Equal(t, uint32(0), geometry.ExtentNumber(0, 0, 0))
	require.Equal(t, uint32(35), geometry.ExtentNumber(3, 1, 0))
	require.Equal(t, uint32(17), geometry.ExtentNumber(3, 1, 1))
	require.Equal(t, uint32(17), geometry.ExtentNumber(2, 1, 1))
	require.Equal(t, uint32(2047), geometry.RawExtent(31, 63))

	// Bits outside of the fields are ignored.
	require.Equal(t, uint32(1), geometry.RawExtent(0xe1, 0xc0))
}

func TestSplitExtentNumber(t *testing.T) {
	t.Run("Examples", func(t *testing.T) {
		lo, hi, err := geometry.SplitExtentNumber(17, 1)
		require.NoError(t, err)
		require.Equal(t, uint8(2), lo)
		require.Equal(t, uint8(1), hi)

		lo, hi, err = geometry.SplitRawExtent(2047)
		require.NoError(t, err)
		require.Equal(t, uint8(31), lo)
		require.Equal(t, uint8(63), hi)
	})

	t.Run("Overflow", func(t *testing.T) {
		_, _, err := geometry.SplitRawExtent(2048)
		testutil.RequireEqualStatus(t, status.Error(codes.OutOfRange, "Extent 2048 exceeds the maximum of 2047"), err)

		_, _, err = geometry.SplitExtentNumber(1024, 1)
		testutil.RequireEqualStatus(t, status.Error(codes.OutOfRange, "Extent number 1024 exceeds the maximum of 1023 for extent mask 1"), err)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		// Splitting the extent number of any pair of fields must
		// yield fields with the same extent number, even though
		// the bit pattern may differ.
		for _, exm := range []uint8{0, 1, 3, 7, 15} {
			for hi := uint8(0); hi < 64; hi++ {
				for lo := uint8(0); lo < 32; lo++ {
					n := geometry.ExtentNumber(lo, hi, exm)
					lo2, hi2, err := geometry.SplitExtentNumber(n, exm)
					require.NoError(t, err)
					require.Equal(t, n, geometry.ExtentNumber(lo2, hi2, exm))
				}
			}
		}
	})
}

func TestLogicalExtentsPerPhysical(t *testing.T) {
	n, err := geometry.LogicalExtentsPerPhysical(1024, 16)
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)

	n, err = geometry.LogicalExtentsPerPhysical(4096, 8)
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)

	_, err = geometry.LogicalExtentsPerPhysical(1024, 8)
	testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "A directory entry with 8 pointers to 1024 byte blocks describes only 8192 bytes, which is less than a logical extent"), err)
}

func TestOffsetToLogical(t *testing.T) {
	index, offset := geometry.OffsetToLogical(0)
	require.Equal(t, uint64(0), index)
	require.Equal(t, uint32(0), offset)

	index, offset = geometry.OffsetToLogical(16385)
	require.Equal(t, uint64(1), index)
	require.Equal(t, uint32(1), offset)
}

func TestLogicalToPhysical(t *testing.T) {
	dpb := geometry.MustNewDiskParameterBlock(geometry.Parameters{DSM: 200, DRM: 63, BSH: 4, BLM: 15})
	physical, slot := dpb.LogicalToPhysical(5)
	require.Equal(t, uint32(2), physical)
	require.Equal(t, uint32(1), slot)

	dpb = geometry.MustNewDiskParameterBlock(geometry.Parameters{DSM: 242, DRM: 63, BSH: 3, BLM: 7})
	physical, slot = dpb.LogicalToPhysical(5)
	require.Equal(t, uint32(5), physical)
	require.Equal(t, uint32(0), slot)
}
