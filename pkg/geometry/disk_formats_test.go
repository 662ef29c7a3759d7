package geometry_test

import (
	"testing"

	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLookupFormat(t *testing.T) {
	t.Run("EightInchSingleSided", func(t *testing.T) {
		format, err := geometry.LookupFormat("8-sssd")
		require.NoError(t, err)
		require.Equal(t, "8-sssd", format.Name)
		require.False(t, format.UnusedByteCount)
		require.Equal(t, int64(3328), format.Geometry.TrackSizeBytes())
		require.Equal(t, int64(6656), format.ReservedBytes())
		require.Equal(t, int64(6656), format.DirectoryOffset())
		require.Equal(t, int64(6656+2*1024), format.BlockOffset(2))
		require.Equal(t, int64(256256), format.ImageSizeBytes())
	})

	t.Run("DerivedTrackCount", func(t *testing.T) {
		// The image is made just large enough to hold all
		// blocks, rounded up to whole tracks.
		format, err := geometry.LookupFormat("3.5-dshd")
		require.NoError(t, err)
		require.Equal(t, geometry.PointerWidthSixteen, format.DPB.PointerWidth())
		require.Equal(t, int64(323*9216), format.ImageSizeBytes())
	})

	t.Run("UnrepresentableFormats", func(t *testing.T) {
		// These formats combine 1 KiB blocks with 16-bit
		// pointers, which cannot describe a logical extent.
		for _, name := range []string{"8-dssd", "8-dsdd", "5.25-dsdd"} {
			_, err := geometry.LookupFormat(name)
			require.Equal(t, codes.InvalidArgument, status.Code(err), name)
		}
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		_, err := geometry.LookupFormat("nonexistent")
		testutil.RequireEqualStatus(t, status.Error(codes.NotFound, "Unknown disk format \"nonexistent\""), err)
	})
}

func TestFormatNames(t *testing.T) {
	require.Equal(t, []string{
		"3.5-dsdd",
		"3.5-dshd",
		"5.25-dsdd",
		"5.25-dsdd-ibm",
		"5.25-ssdd",
		"8-dsdd",
		"8-dssd",
		"8-sssd",
	}, geometry.FormatNames())
}

func TestNewFormat(t *testing.T) {
	sssd := geometry.Parameters{DSM: 242, DRM: 63, OFF: 2, BSH: 3, BLM: 7}

	t.Run("InsufficientCapacity", func(t *testing.T) {
		_, err := geometry.NewFormat("small", sssd, geometry.Geometry{Tracks: 10, SectorsPerTrack: 26, SectorSizeBytes: 128}, false)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Format \"small\" requires 248832 bytes for 243 blocks, while only 26624 bytes are available after the reserved tracks"), err)
	})

	t.Run("InvalidSectorSize", func(t *testing.T) {
		_, err := geometry.NewFormat("odd", sssd, geometry.Geometry{SectorsPerTrack: 26, SectorSizeBytes: 100}, false)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Format \"odd\" has a sector size of 100 bytes, which is not a power of two of at least 128 bytes"), err)
	})

	t.Run("InvalidDiskParameterBlock", func(t *testing.T) {
		_, err := geometry.NewFormat("broken", geometry.Parameters{DSM: 242, DRM: 63, BSH: 3, BLM: 3}, geometry.Geometry{SectorsPerTrack: 26, SectorSizeBytes: 128}, false)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Invalid disk parameter block for format \"broken\": Block mask 3 is inconsistent with block shift 3, expected 7"), err)
	})
}
