package allocation

import (
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// blockQuota is a counter of the number of blocks that may still be
// allocated, which can be adjusted atomically.
type blockQuota struct {
	remaining atomic.Int64
}

func (q *blockQuota) allocate() bool {
	for {
		remaining := q.remaining.Load()
		if remaining < 1 {
			return false
		}
		if q.remaining.CompareAndSwap(remaining, remaining-1) {
			return true
		}
	}
}

func (q *blockQuota) release() {
	q.remaining.Add(1)
}

type quotaEnforcingBlockAllocator struct {
	base            BlockAllocator
	blocksRemaining blockQuota
}

// NewQuotaEnforcingBlockAllocator creates a BlockAllocator that limits
// how many blocks may be allocated from an underlying BlockAllocator.
// This can be used to cap the amount of space that a single invocation
// of a tool may add to a disk image.
//
// Freeing a block raises the number of blocks that may be allocated,
// regardless of whether the block was allocated through this
// decorator.
func NewQuotaEnforcingBlockAllocator(base BlockAllocator, maximumBlocks int64) BlockAllocator {
	ba := &quotaEnforcingBlockAllocator{
		base: base,
	}
	ba.blocksRemaining.remaining.Store(maximumBlocks)
	return ba
}

func (ba *quotaEnforcingBlockAllocator) AllocateBlock() (uint16, error) {
	if !ba.blocksRemaining.allocate() {
		return 0, status.Error(codes.ResourceExhausted, "Block count quota reached")
	}
	block, err := ba.base.AllocateBlock()
	if err != nil {
		ba.blocksRemaining.release()
		return 0, err
	}
	return block, nil
}

func (ba *quotaEnforcingBlockAllocator) FreeBlock(block uint16) {
	ba.blocksRemaining.release()
	ba.base.FreeBlock(block)
}

func (ba *quotaEnforcingBlockAllocator) FreeBlockCount() int {
	count := ba.base.FreeBlockCount()
	if remaining := ba.blocksRemaining.remaining.Load(); remaining < int64(count) {
		if remaining < 0 {
			return 0
		}
		return int(remaining)
	}
	return count
}
