package directory

import (
	"strconv"
)

// BlockPointer is a single entry of the allocation list of a directory
// entry. On disk, a pointer value of zero denotes a hole, as block zero
// is always occupied by the directory. In memory the two cases are kept
// apart explicitly, so that no code needs to reinterpret a raw zero.
type BlockPointer struct {
	block     uint16
	allocated bool
}

// Hole is a BlockPointer that refers to no storage.
var Hole = BlockPointer{}

// Allocated returns a BlockPointer that refers to a block.
func Allocated(block uint16) BlockPointer {
	return BlockPointer{
		block:     block,
		allocated: true,
	}
}

// Block returns the block number, and whether the pointer refers to a
// block at all.
func (bp BlockPointer) Block() (uint16, bool) {
	return bp.block, bp.allocated
}

// IsHole returns true if the pointer refers to no storage.
func (bp BlockPointer) IsHole() bool {
	return !bp.allocated
}

func (bp BlockPointer) String() string {
	if !bp.allocated {
		return "hole"
	}
	return strconv.FormatUint(uint64(bp.block), 10)
}
