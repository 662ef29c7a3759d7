package image

import (
	"fmt"

	"github.com/buildbarn/bb-cpmfs/pkg/allocation"
	"github.com/buildbarn/bb-cpmfs/pkg/directory"
	"github.com/buildbarn/bb-cpmfs/pkg/fileindex"
	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ScanBlockAllocationMap computes which blocks are in use, based on the
// block pointers of all entries in a directory. The index of each entry
// is its directory slot number.
//
// If a block is referenced by multiple entries, or if a pointer refers
// to a block outside the data area, the directory is corrupted. In that
// case an error is returned, together with a map containing all blocks
// that could be accounted for.
func ScanBlockAllocationMap(dpb *geometry.DiskParameterBlock, entries []directory.Entry) (*allocation.BlockAllocationMap, error) {
	m := allocation.NewBlockAllocationMap(dpb)
	var firstErr error
	for i := range entries {
		e := &entries[i]
		if !e.Status.IsFile() {
			continue
		}
		for _, bp := range e.Blocks {
			if block, ok := bp.Block(); ok {
				if err := m.MarkAllocated(block); err != nil && firstErr == nil {
					firstErr = util.StatusWrapf(err, "Directory slot %d", i)
				}
			}
		}
	}
	return m, firstErr
}

// CheckConsistency validates that the directory of the image is
// consistent. It rebuilds the allocation map from the directory and
// compares it against the map that is maintained incrementally, and
// validates that no file has multiple entries with the same extent
// number.
func (di *DiskImage) CheckConsistency() error {
	di.lock.Lock()
	defer di.lock.Unlock()

	if err := di.checkWritable(); err != nil {
		return err
	}

	entries := make([]directory.Entry, len(di.slots))
	for i, s := range di.slots {
		entries[i] = s.entry
	}
	rebuilt, err := ScanBlockAllocationMap(di.format.DPB, entries)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.FailedPrecondition, "Directory is corrupted")
	}
	if !rebuilt.Equal(di.allocationMap) {
		return status.Errorf(
			codes.Internal,
			"Allocation map is inconsistent with the directory: %s",
			describeAllocationDifference(rebuilt, di.allocationMap))
	}

	slots := di.fileSlots()
	seen := map[fileindex.Identity]struct{}{}
	for _, s := range slots {
		identity := fileindex.Identity{User: uint8(s.Entry.Status), Filename: s.Entry.Filename}
		if _, ok := seen[identity]; ok {
			continue
		}
		seen[identity] = struct{}{}
		if _, err := fileindex.Build(identity, slots, di.codec, nil); err != nil {
			return err
		}
	}
	return nil
}

func describeAllocationDifference(directoryMap, incrementalMap *allocation.BlockAllocationMap) string {
	var onlyDirectory, onlyIncremental []uint16
	for _, block := range directoryMap.AllocatedBlocks() {
		if !incrementalMap.IsAllocated(block) {
			onlyDirectory = append(onlyDirectory, block)
		}
	}
	for _, block := range incrementalMap.AllocatedBlocks() {
		if !directoryMap.IsAllocated(block) {
			onlyIncremental = append(onlyIncremental, block)
		}
	}
	return fmt.Sprintf("blocks %v are referenced by the directory but not allocated, blocks %v are allocated but not referenced", onlyDirectory, onlyIncremental)
}
