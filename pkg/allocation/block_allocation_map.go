package allocation

import (
	"fmt"
	"math/bits"

	"github.com/buildbarn/bb-cpmfs/pkg/geometry"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	allBits = ^uint64(0)
)

// BlockAllocationMap keeps track of which blocks of a disk are in use.
// Blocks occupied by the directory are permanently marked as allocated.
//
// Blocks are handed out first fit, starting at the lowest block number,
// which is the order in which CP/M itself allocates blocks.
// BlockAllocationMap is not safe for concurrent use. It is owned by a
// single DiskImage, which serializes access to it.
type BlockAllocationMap struct {
	freeBitmap          []uint64 // One bits indicate blocks that are free.
	blockCount          int
	directoryBlockCount int
}

var _ BlockAllocator = (*BlockAllocationMap)(nil)

// NewBlockAllocationMap creates a BlockAllocationMap for a disk in
// which only the directory blocks are in use.
func NewBlockAllocationMap(dpb *geometry.DiskParameterBlock) *BlockAllocationMap {
	blockCount := dpb.DataBlockCount()
	m := &BlockAllocationMap{
		freeBitmap:          make([]uint64, (blockCount+63)/64),
		blockCount:          blockCount,
		directoryBlockCount: dpb.DirectoryBlockCount(),
	}
	for i := 0; i < blockCount/64; i++ {
		m.freeBitmap[i] = allBits
	}
	if remainder := blockCount % 64; remainder != 0 {
		m.freeBitmap[blockCount/64] = ^(allBits << remainder)
	}
	for block := 0; block < m.directoryBlockCount; block++ {
		m.freeBitmap[block/64] &^= 1 << (block % 64)
	}
	return m
}

// MarkAllocated marks a block that is referenced by a directory entry
// as being in use. It is used while scanning the directory of an
// existing disk. References to blocks outside the data area, to blocks
// of the directory, or to blocks that are already in use indicate that
// the directory is corrupted.
func (m *BlockAllocationMap) MarkAllocated(block uint16) error {
	if int(block) >= m.blockCount {
		return status.Errorf(codes.FailedPrecondition, "Block %d is outside the disk, which has %d blocks", block, m.blockCount)
	}
	if int(block) < m.directoryBlockCount {
		return status.Errorf(codes.FailedPrecondition, "Block %d is occupied by the directory", block)
	}
	i, b := block/64, block%64
	if m.freeBitmap[i]&(1<<b) == 0 {
		return status.Errorf(codes.FailedPrecondition, "Block %d is referenced multiple times", block)
	}
	m.freeBitmap[i] &^= 1 << b
	return nil
}

// IsAllocated returns whether a block is in use.
func (m *BlockAllocationMap) IsAllocated(block uint16) bool {
	if int(block) >= m.blockCount {
		return false
	}
	return m.freeBitmap[block/64]&(1<<(block%64)) == 0
}

// AllocateBlock returns the lowest numbered block that is free.
func (m *BlockAllocationMap) AllocateBlock() (uint16, error) {
	for i, word := range m.freeBitmap {
		if word != 0 {
			b := bits.TrailingZeros64(word)
			m.freeBitmap[i] &^= 1 << b
			return uint16(i*64 + b), nil
		}
	}
	return 0, status.Error(codes.ResourceExhausted, "No free blocks available")
}

// FreeBlock marks a block as free.
func (m *BlockAllocationMap) FreeBlock(block uint16) {
	if int(block) >= m.blockCount {
		panic(fmt.Sprintf("Attempted to free block %d, which is outside the disk of %d blocks", block, m.blockCount))
	}
	if int(block) < m.directoryBlockCount {
		panic(fmt.Sprintf("Attempted to free block %d, which is occupied by the directory", block))
	}
	i, b := block/64, block%64
	if m.freeBitmap[i]&(1<<b) != 0 {
		panic(fmt.Sprintf("Attempted to free block %d, even though it's not allocated", block))
	}
	m.freeBitmap[i] |= 1 << b
}

// FreeBlockCount returns the number of blocks that are free.
func (m *BlockAllocationMap) FreeBlockCount() int {
	count := 0
	for _, word := range m.freeBitmap {
		count += bits.OnesCount64(word)
	}
	return count
}

// AllocatedBlocks returns the numbers of all blocks in use by files, in
// ascending order. Blocks of the directory are not included.
func (m *BlockAllocationMap) AllocatedBlocks() []uint16 {
	var blocks []uint16
	for block := m.directoryBlockCount; block < m.blockCount; block++ {
		if m.freeBitmap[block/64]&(1<<(block%64)) == 0 {
			blocks = append(blocks, uint16(block))
		}
	}
	return blocks
}

// Equal returns whether two maps have the same blocks in use.
func (m *BlockAllocationMap) Equal(other *BlockAllocationMap) bool {
	if m.blockCount != other.blockCount || m.directoryBlockCount != other.directoryBlockCount {
		return false
	}
	for i, word := range m.freeBitmap {
		if word != other.freeBitmap[i] {
			return false
		}
	}
	return true
}
