package directory_test

import (
	"testing"

	"github.com/buildbarn/bb-cpmfs/pkg/directory"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewFilename(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f, err := directory.NewFilename("pip", "com")
		require.NoError(t, err)
		require.Equal(t, directory.Filename{Name: "PIP", Extension: "COM"}, f)
		require.Equal(t, "PIP.COM", f.String())

		f, err = directory.NewFilename("README", "")
		require.NoError(t, err)
		require.Equal(t, "README", f.String())
	})

	t.Run("TooLong", func(t *testing.T) {
		_, err := directory.NewFilename("verylongname", "txt")
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Name \"verylongname\" is longer than 8 characters"), err)

		_, err = directory.NewFilename("a", "text")
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Extension \"text\" is longer than 3 characters"), err)
	})

	t.Run("InvalidCharacter", func(t *testing.T) {
		for _, name := range []string{"A<B", "A>B", "A,B", "A;B", "A:B", "A=B", "A?B", "A[B", "A]B"} {
			_, err := directory.NewFilename(name, "")
			require.Equal(t, codes.InvalidArgument, status.Code(err), name)
		}

		_, err := directory.NewFilename("TAB\t", "")
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Filename \"TAB\\t\" contains invalid character \"\\t\""), err)
	})

	t.Run("TrailingSpaces", func(t *testing.T) {
		f, err := directory.NewFilename("foo ", "txt ")
		require.NoError(t, err)
		require.Equal(t, directory.MustNewFilename("FOO", "TXT"), f)

		f, err = directory.NewFilename("PROGRAM1 ", "COM")
		require.NoError(t, err)
		require.Equal(t, "PROGRAM1.COM", f.String())

		_, err = directory.NewFilename("   ", "COM")
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Filename has an empty name"), err)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := directory.NewFilename("", "COM")
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Filename has an empty name"), err)
	})
}

func TestAttributes(t *testing.T) {
	a, err := directory.ParseAttributes("read_only,system")
	require.NoError(t, err)
	require.Equal(t, directory.AttributeReadOnly|directory.AttributeSystem, a)
	require.Equal(t, "read_only,system", a.String())

	a, err = directory.ParseAttributes("")
	require.NoError(t, err)
	require.Equal(t, directory.Attributes(0), a)

	_, err = directory.ParseAttributes("hidden")
	testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Unknown attribute \"hidden\""), err)
}

func TestEntrySetRawExtent(t *testing.T) {
	var e directory.Entry
	require.NoError(t, e.SetRawExtent(35))
	require.Equal(t, uint8(3), e.ExtentLow)
	require.Equal(t, uint8(1), e.ExtentHigh)
	require.Equal(t, uint32(17), e.ExtentNumber(1))

	testutil.RequireEqualStatus(t, status.Error(codes.OutOfRange, "Extent 2048 exceeds the maximum of 2047"), e.SetRawExtent(2048))
}
