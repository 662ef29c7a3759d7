package directory_test

import (
	"testing"

	"github.com/buildbarn/bb-cpmfs/pkg/directory"
	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	dpbEightBit   = geometry.MustNewDiskParameterBlock(geometry.Parameters{DSM: 242, DRM: 63, OFF: 2, BSH: 3, BLM: 7})
	dpbSixteenBit = geometry.MustNewDiskParameterBlock(geometry.Parameters{DSM: 720, DRM: 255, OFF: 2, BSH: 4, BLM: 15})
)

func holes(n int) []directory.BlockPointer {
	return make([]directory.BlockPointer, n)
}

func TestCodecDecode(t *testing.T) {
	codec := &directory.Codec{DPB: dpbEightBit}

	t.Run("File", func(t *testing.T) {
		e, err := codec.Decode(directory.RawEntry{
			0, 'F', 'O', 'O', ' ', ' ', ' ', ' ', ' ', 'T', 'X', 'T', 0, 0, 0, 2,
			5, 6, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		})
		require.NoError(t, err)

		blocks := holes(16)
		blocks[0] = directory.Allocated(5)
		blocks[1] = directory.Allocated(6)
		require.Equal(t, directory.Entry{
			Status:      0,
			Filename:    directory.Filename{Name: "FOO", Extension: "TXT"},
			RecordCount: 2,
			Blocks:      blocks,
		}, e)
		require.Equal(t, uint32(0), e.ExtentNumber(dpbEightBit.ExtentMask()))
		require.True(t, e.Blocks[2].IsHole())
		require.Equal(t, 128, codec.LastRecordBytes(&e))
	})

	t.Run("Attributes", func(t *testing.T) {
		e, err := codec.Decode(directory.RawEntry{
			3, 'A' | 0x80, 'B' | 0x80, 'C', 'D' | 0x80, ' ', ' ', ' ', ' ' | 0x80, 'C' | 0x80, 'O' | 0x80, 'M', 0xe3, 17, 0xc1, 0x80,
		})
		require.NoError(t, err)
		require.Equal(t, directory.Status(3), e.Status)
		require.Equal(t, directory.Filename{Name: "ABCD", Extension: "COM"}, e.Filename)
		require.Equal(t, directory.AttributeWheelRequired|directory.AttributePublic|directory.AttributeWheelProtect|directory.AttributeReadOnly|directory.AttributeSystem, e.Attributes)
		require.Equal(t, uint8(3), e.ExtentLow)
		require.Equal(t, uint8(1), e.ExtentHigh)
		require.Equal(t, uint32(35), e.RawExtent())
		require.Equal(t, uint8(17), e.ByteCount)
		require.Equal(t, uint8(0x80), e.RecordCount)
		require.False(t, e.HasBlocks())
		require.Equal(t, 0, codec.LastRecordBytes(&e))
	})

	t.Run("SixteenBitPointers", func(t *testing.T) {
		e, err := (&directory.Codec{DPB: dpbSixteenBit}).Decode(directory.RawEntry{
			0, 'X', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', 0, 0, 0, 0x80,
			0x04, 0x00, 0xcf, 0x02, 0x00, 0x00, 0x01, 0x01,
		})
		require.NoError(t, err)
		require.Equal(t, []directory.BlockPointer{
			directory.Allocated(4),
			directory.Allocated(719),
			directory.Hole,
			directory.Allocated(257),
			directory.Hole,
			directory.Hole,
			directory.Hole,
			directory.Hole,
		}, e.Blocks)
		require.Equal(t, directory.Filename{Name: "X"}, e.Filename)
	})

	t.Run("NonFileEntries", func(t *testing.T) {
		raw := directory.RawEntry{0x20, 'L', 'A', 'B', 'E', 'L', 0xff, 0x12}
		e, err := codec.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, directory.StatusLabel, e.Status)
		require.False(t, e.Status.IsFile())

		encoded, err := codec.Encode(e)
		require.NoError(t, err)
		require.Equal(t, raw, encoded)

		unused, err := codec.Encode(directory.NewUnusedEntry())
		require.NoError(t, err)
		for _, b := range unused {
			require.Equal(t, byte(0xe5), b)
		}
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		_, err := codec.Decode(directory.RawEntry{0x40})
		testutil.RequireEqualStatus(t, status.Error(codes.DataLoss, "Directory entry has invalid status 0x40"), err)
	})

	t.Run("InvalidFilename", func(t *testing.T) {
		// The entry must still be returned, so that the caller
		// may report it and skip the slot.
		e, err := codec.Decode(directory.RawEntry{
			1, 'A', '*', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', 0, 0, 0, 1,
			9,
		})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Filename \"A*\" contains invalid character \"*\""), err)
		require.Equal(t, directory.Status(1), e.Status)
		require.Equal(t, directory.Allocated(9), e.Blocks[0])
	})

	t.Run("EmptyName", func(t *testing.T) {
		_, err := codec.Decode(directory.RawEntry{
			0, ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', 'C', 'O', 'M',
		})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Filename has an empty name"), err)
	})
}

func TestCodecEncode(t *testing.T) {
	codec := &directory.Codec{DPB: dpbEightBit}

	t.Run("Scenario", func(t *testing.T) {
		blocks := holes(16)
		blocks[0] = directory.Allocated(5)
		blocks[1] = directory.Allocated(6)
		raw, err := codec.Encode(directory.Entry{
			Filename:    directory.MustNewFilename("foo", "txt"),
			RecordCount: 2,
			Blocks:      blocks,
		})
		require.NoError(t, err)
		require.Equal(t, directory.RawEntry{
			0, 'F', 'O', 'O', ' ', ' ', ' ', ' ', ' ', 'T', 'X', 'T', 0, 0, 0, 2,
			5, 6, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		}, raw)
	})

	t.Run("ExtentOverflow", func(t *testing.T) {
		_, err := codec.Encode(directory.Entry{
			Filename:  directory.MustNewFilename("A", ""),
			ExtentLow: 32,
			Blocks:    holes(16),
		})
		testutil.RequireEqualStatus(t, status.Error(codes.OutOfRange, "Low extent bits 32 exceed the maximum of 31"), err)

		_, err = codec.Encode(directory.Entry{
			Filename:   directory.MustNewFilename("A", ""),
			ExtentHigh: 64,
			Blocks:     holes(16),
		})
		testutil.RequireEqualStatus(t, status.Error(codes.OutOfRange, "High extent bits 64 exceed the maximum of 63"), err)
	})

	t.Run("BlockOverflow", func(t *testing.T) {
		blocks := holes(16)
		blocks[3] = directory.Allocated(256)
		_, err := codec.Encode(directory.Entry{
			Filename: directory.MustNewFilename("A", ""),
			Blocks:   blocks,
		})
		testutil.RequireEqualStatus(t, status.Error(codes.OutOfRange, "Block 256 exceeds the maximum of 255 for 8-bit pointers"), err)
	})

	t.Run("BlockZero", func(t *testing.T) {
		blocks := holes(16)
		blocks[0] = directory.Allocated(0)
		_, err := codec.Encode(directory.Entry{
			Filename: directory.MustNewFilename("A", ""),
			Blocks:   blocks,
		})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Block pointer 0 refers to block 0, which cannot be distinguished from a hole"), err)
	})

	t.Run("PointerCountMismatch", func(t *testing.T) {
		_, err := codec.Encode(directory.Entry{
			Filename: directory.MustNewFilename("A", ""),
			Blocks:   holes(8),
		})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Entry has 8 block pointers, while 8-bit pointers require 16"), err)
	})
}

func TestCodecRoundTrip(t *testing.T) {
	// Decoding an encoded entry must yield the original entry, for
	// both pointer widths and all valid field values.
	for _, dpb := range []*geometry.DiskParameterBlock{dpbEightBit, dpbSixteenBit} {
		codec := &directory.Codec{DPB: dpb}
		maximumBlock := uint16(dpb.DataBlockCount() - 1)
		for i := 0; i < 2048; i++ {
			blocks := holes(dpb.PointerCount())
			for j := range blocks {
				if (i+j)%3 != 0 {
					blocks[j] = directory.Allocated(uint16(1 + (i*31+j*7)%int(maximumBlock)))
				}
			}
			original := directory.Entry{
				Status:      directory.Status(i % 32),
				Filename:    directory.MustNewFilename(string(rune('A'+i%26))+"FILE", "$$"[:i%3]),
				Attributes:  directory.Attributes(i % 128),
				ExtentLow:   uint8(i % 32),
				ExtentHigh:  uint8(i / 32),
				RecordCount: uint8(i % 129),
				ByteCount:   uint8(i % 128),
				Blocks:      blocks,
			}
			raw, err := codec.Encode(original)
			require.NoError(t, err)
			decoded, err := codec.Decode(raw)
			require.NoError(t, err)
			require.Equal(t, original, decoded)
		}
	}
}

func TestCodecLastRecordBytes(t *testing.T) {
	blocks := holes(16)
	blocks[0] = directory.Allocated(2)

	t.Run("Default", func(t *testing.T) {
		codec := &directory.Codec{DPB: dpbEightBit}
		for _, tc := range []struct{ stored, bytes int }{
			{0, 128},
			{1, 1},
			{100, 100},
			{127, 127},
		} {
			e := directory.Entry{ByteCount: uint8(tc.stored), Blocks: blocks}
			require.Equal(t, tc.bytes, codec.LastRecordBytes(&e))
			if tc.bytes != 0 {
				require.Equal(t, uint8(tc.stored), codec.EncodeLastRecordBytes(tc.bytes))
			}
		}
	})

	t.Run("UnusedByteCount", func(t *testing.T) {
		codec := &directory.Codec{DPB: dpbEightBit, UnusedByteCount: true}
		for _, tc := range []struct{ stored, bytes int }{
			{0, 128},
			{1, 127},
			{28, 100},
			{127, 1},
		} {
			e := directory.Entry{ByteCount: uint8(tc.stored), Blocks: blocks}
			require.Equal(t, tc.bytes, codec.LastRecordBytes(&e))
			require.Equal(t, uint8(tc.stored), codec.EncodeLastRecordBytes(tc.bytes))
		}

		// The field has no meaning for empty files.
		e := directory.Entry{ByteCount: 28, Blocks: holes(16)}
		require.Equal(t, 0, codec.LastRecordBytes(&e))
	})
}
