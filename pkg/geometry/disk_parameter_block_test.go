package geometry_test

import (
	"testing"

	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewDiskParameterBlock(t *testing.T) {
	t.Run("EightInchSingleSided", func(t *testing.T) {
		dpb, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 242, DRM: 63, OFF: 2, BSH: 3, BLM: 7})
		require.NoError(t, err)
		require.Equal(t, geometry.PointerWidthEight, dpb.PointerWidth())
		require.Equal(t, 16, dpb.PointerCount())
		require.Equal(t, 1024, dpb.BlockSizeBytes())
		require.Equal(t, 8, dpb.RecordsPerBlock())
		require.Equal(t, 64, dpb.DirectoryEntryCount())
		require.Equal(t, 243, dpb.DataBlockCount())
		require.Equal(t, 2, dpb.DirectoryBlockCount())
		require.Equal(t, 2, dpb.ReservedTracks())
		require.Equal(t, uint8(0), dpb.ExtentMask())
		require.Equal(t, uint32(1), dpb.LogicalExtentsPerPhysical())
		require.Equal(t, 16, dpb.BlocksPerExtent())
		require.Equal(t, int64(16384), dpb.PhysicalExtentSizeBytes())
	})

	t.Run("SixteenBitPointers", func(t *testing.T) {
		dpb, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 720, DRM: 255, OFF: 2, BSH: 4, BLM: 15})
		require.NoError(t, err)
		require.Equal(t, geometry.PointerWidthSixteen, dpb.PointerWidth())
		require.Equal(t, 8, dpb.PointerCount())
		require.Equal(t, 4, dpb.DirectoryBlockCount())
		require.Equal(t, uint8(0), dpb.ExtentMask())
		require.Equal(t, 8, dpb.BlocksPerExtent())
	})

	t.Run("MultipleLogicalExtents", func(t *testing.T) {
		// 16 pointers to 2 KiB blocks describe 32 KiB.
		dpb, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 200, DRM: 63, BSH: 4, BLM: 15})
		require.NoError(t, err)
		require.Equal(t, uint8(1), dpb.ExtentMask())
		require.Equal(t, uint32(2), dpb.LogicalExtentsPerPhysical())
		require.Equal(t, 16, dpb.BlocksPerExtent())
	})

	t.Run("ExtentMaskOverride", func(t *testing.T) {
		// Store only a single logical extent per entry, leaving
		// half of the pointers unused.
		dpb, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 200, DRM: 63, BSH: 4, BLM: 15, HasEXM: true, EXM: 0})
		require.NoError(t, err)
		require.Equal(t, uint8(0), dpb.ExtentMask())
		require.Equal(t, 16, dpb.PointerCount())
		require.Equal(t, 8, dpb.BlocksPerExtent())
	})

	t.Run("InvalidBlockShift", func(t *testing.T) {
		_, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 242, DRM: 63, BSH: 2, BLM: 3})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Block shift 2 is outside the supported range [3, 7]"), err)
	})

	t.Run("InconsistentBlockMask", func(t *testing.T) {
		_, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 242, DRM: 63, BSH: 3, BLM: 15})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Block mask 15 is inconsistent with block shift 3, expected 7"), err)
	})

	t.Run("PartialDirectoryBlock", func(t *testing.T) {
		_, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 242, DRM: 62, BSH: 3, BLM: 7})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Directory of 63 entries does not fill an integral number of 1024 byte blocks"), err)
	})

	t.Run("NoDataBlocks", func(t *testing.T) {
		_, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 1, DRM: 63, BSH: 3, BLM: 7})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Directory occupies 2 blocks, leaving no data blocks on a disk with 2 blocks"), err)
	})

	t.Run("ExtentSmallerThanLogicalExtent", func(t *testing.T) {
		// 1 KiB blocks with 16-bit pointers only describe 8 KiB
		// per entry.
		_, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 494, DRM: 127, OFF: 2, BSH: 3, BLM: 7})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "A directory entry with 8 pointers to 1024 byte blocks describes only 8192 bytes, which is less than a logical extent"), err)
	})

	t.Run("ExtentMaskTooLarge", func(t *testing.T) {
		_, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 242, DRM: 63, BSH: 3, BLM: 7, HasEXM: true, EXM: 1})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Extent mask 1 exceeds 0, the maximum for 1024 byte blocks with 8-bit pointers"), err)
	})

	t.Run("ExtentMaskNotPowerOfTwo", func(t *testing.T) {
		_, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: 200, DRM: 127, BSH: 5, BLM: 31, HasEXM: true, EXM: 2})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Extent mask 2 is not of the form 2^k-1"), err)
	})
}

func TestDiskParameterBlockLogicalExtentsProperty(t *testing.T) {
	// Every disk parameter block that can be constructed must be
	// able to store at least one logical extent per entry.
	for bsh := uint8(3); bsh <= 7; bsh++ {
		for _, dsm := range []uint16{127, 255, 256, 1000, 4095, 65535} {
			for _, drm := range []uint16{31, 63, 127, 255, 511, 1023} {
				dpb, err := geometry.NewDiskParameterBlock(geometry.Parameters{DSM: dsm, DRM: drm, BSH: bsh, BLM: 1<<bsh - 1})
				if err != nil {
					require.Equal(t, codes.InvalidArgument, status.Code(err))
					continue
				}
				require.GreaterOrEqual(t, dpb.LogicalExtentsPerPhysical(), uint32(1))
				require.GreaterOrEqual(t, dpb.PointerCount()*dpb.BlockSizeBytes(), geometry.LogicalExtentSizeBytes)
			}
		}
	}
}
