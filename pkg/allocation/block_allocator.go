package allocation

// BlockAllocator is used by DiskImage to obtain blocks in the data area
// of a disk that are needed to store file contents.
//
// Block numbers handed out by this interface are never zero, as a
// pointer value of zero is used by directory entries to denote a hole.
type BlockAllocator interface {
	// Allocate the lowest numbered free block.
	AllocateBlock() (uint16, error)
	// Release a block that was previously allocated. Freeing a
	// block that is not allocated is a programming error, causing
	// a panic.
	FreeBlock(block uint16)
	// The number of blocks that may still be allocated. Callers
	// use this to determine ahead of time whether an operation can
	// complete, so that it is not left half applied.
	FreeBlockCount() int
}
