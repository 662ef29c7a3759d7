package allocation_test

import (
	"testing"

	"github.com/buildbarn/bb-cpmfs/internal/mock"
	"github.com/buildbarn/bb-cpmfs/pkg/allocation"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.uber.org/mock/gomock"
)

func TestQuotaEnforcingBlockAllocator(t *testing.T) {
	ctrl := gomock.NewController(t)

	baseAllocator := mock.NewMockBlockAllocator(ctrl)
	allocator := allocation.NewQuotaEnforcingBlockAllocator(baseAllocator, 2)

	t.Run("FreeBlockCount", func(t *testing.T) {
		// The quota caps the number of free blocks reported
		// by the underlying allocator.
		baseAllocator.EXPECT().FreeBlockCount().Return(100)
		require.Equal(t, 2, allocator.FreeBlockCount())

		baseAllocator.EXPECT().FreeBlockCount().Return(1)
		require.Equal(t, 1, allocator.FreeBlockCount())
	})

	t.Run("QuotaReached", func(t *testing.T) {
		baseAllocator.EXPECT().AllocateBlock().Return(uint16(5), nil)
		block, err := allocator.AllocateBlock()
		require.NoError(t, err)
		require.Equal(t, uint16(5), block)

		baseAllocator.EXPECT().AllocateBlock().Return(uint16(6), nil)
		block, err = allocator.AllocateBlock()
		require.NoError(t, err)
		require.Equal(t, uint16(6), block)

		_, err = allocator.AllocateBlock()
		require.Equal(t, status.Error(codes.ResourceExhausted, "Block count quota reached"), err)

		baseAllocator.EXPECT().FreeBlockCount().Return(100)
		require.Equal(t, 0, allocator.FreeBlockCount())

		// Freeing a block makes room for another allocation.
		baseAllocator.EXPECT().FreeBlock(uint16(5))
		allocator.FreeBlock(5)

		baseAllocator.EXPECT().AllocateBlock().Return(uint16(5), nil)
		block, err = allocator.AllocateBlock()
		require.NoError(t, err)
		require.Equal(t, uint16(5), block)

		baseAllocator.EXPECT().FreeBlock(uint16(5))
		allocator.FreeBlock(5)
		baseAllocator.EXPECT().FreeBlock(uint16(6))
		allocator.FreeBlock(6)
	})

	t.Run("BaseFailure", func(t *testing.T) {
		// Failures of the underlying allocator must not
		// consume any quota.
		baseAllocator.EXPECT().AllocateBlock().Return(uint16(0), status.Error(codes.ResourceExhausted, "No free blocks available"))
		_, err := allocator.AllocateBlock()
		require.Equal(t, status.Error(codes.ResourceExhausted, "No free blocks available"), err)

		baseAllocator.EXPECT().FreeBlockCount().Return(100)
		require.Equal(t, 2, allocator.FreeBlockCount())
	})
}
