package image

import (
	"github.com/buildbarn/bb-cpmfs/pkg/directory"
	"github.com/buildbarn/bb-cpmfs/pkg/fileindex"
	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaximumFileSizeBytes is the largest file size that can be expressed
// by the extent fields of a directory entry.
const MaximumFileSizeBytes = geometry.MaximumFileSizeBytes

// fileExtent is a directory entry of a file that is being modified.
type fileExtent struct {
	slot  int
	entry directory.Entry
}

func newFileExtents(fi *fileindex.FileIndex) map[uint32]*fileExtent {
	extents := map[uint32]*fileExtent{}
	for _, e := range fi.Extents() {
		entry := e.Entry
		entry.Blocks = append([]directory.BlockPointer(nil), e.Entry.Blocks...)
		extents[e.Number] = &fileExtent{slot: e.Slot, entry: entry}
	}
	return extents
}

func lastExtentNumber(extents map[uint32]*fileExtent) uint32 {
	var last uint32
	for n := range extents {
		last = max(last, n)
	}
	return last
}

// setExtentSize updates the extent and record fields of a directory
// entry. Entries other than the last are marked as being fully used.
// The last entry describes the data up to sizeBytes.
func (di *DiskImage) setExtentSize(e *directory.Entry, number uint32, isLast bool, sizeBytes int64) error {
	dpb := di.format.DPB
	extentMask := uint32(dpb.ExtentMask())
	raw := number * (extentMask + 1)
	if !isLast {
		e.RecordCount = geometry.RecordsPerLogicalExtent
		e.ByteCount = 0
		return e.SetRawExtent(raw + extentMask)
	}

	bytes := sizeBytes - int64(number)*dpb.PhysicalExtentSizeBytes()
	records := (bytes + geometry.RecordSizeBytes - 1) / geometry.RecordSizeBytes
	if records == 0 {
		e.RecordCount = 0
		e.ByteCount = 0
		return e.SetRawExtent(raw)
	}
	lastLogicalExtent := (records - 1) / geometry.RecordsPerLogicalExtent
	e.RecordCount = uint8(records - lastLogicalExtent*geometry.RecordsPerLogicalExtent)
	e.ByteCount = di.codec.EncodeLastRecordBytes(int(bytes - (records-1)*geometry.RecordSizeBytes))
	return e.SetRawExtent(raw + uint32(lastLogicalExtent))
}

// zeroRange clears the parts of allocated blocks of a file that fall
// within a range of file offsets.
func (di *DiskImage) zeroRange(extents map[uint32]*fileExtent, from, to int64) {
	dpb := di.format.DPB
	blockSizeBytes := int64(dpb.BlockSizeBytes())
	blocksPerExtent := int64(dpb.BlocksPerExtent())
	for from < to {
		fileBlock := from / blockSizeBytes
		blockStart := fileBlock * blockSizeBytes
		end := min(to, blockStart+blockSizeBytes)
		if extent, ok := extents[uint32(fileBlock/blocksPerExtent)]; ok {
			if block, ok := extent.entry.Blocks[fileBlock%blocksPerExtent].Block(); ok {
				clear(di.blockContents(block)[from-blockStart : end-blockStart])
			}
		}
		from = end
	}
}

// CreateFile creates an empty file. The file consists of a single
// directory entry without any blocks, stored in the lowest numbered
// free directory slot.
func (di *DiskImage) CreateFile(identity fileindex.Identity, attributes directory.Attributes) error {
	if directory.Status(identity.User) > directory.MaximumUser {
		return status.Errorf(codes.InvalidArgument, "User number %d exceeds the maximum of %d", identity.User, directory.MaximumUser)
	}

	di.lock.Lock()
	defer di.lock.Unlock()

	if err := di.checkWritable(); err != nil {
		return err
	}
	if _, err := di.openFileLocked(identity, nil); err == nil {
		return status.Errorf(codes.AlreadyExists, "File %s already exists", identity)
	} else if status.Code(err) != codes.NotFound {
		return err
	}
	freeSlots := di.freeSlots()
	if len(freeSlots) == 0 {
		return status.Errorf(codes.ResourceExhausted, "Cannot create file %s, as no free directory entries are available", identity)
	}
	return di.writeSlot(freeSlots[0], directory.Entry{
		Status:     directory.Status(identity.User),
		Filename:   identity.Filename,
		Attributes: attributes,
		Blocks:     make([]directory.BlockPointer, di.format.DPB.PointerCount()),
	})
}

// WriteAt writes data into an existing file. The file is extended if
// the data is written past its end. Blocks are allocated for every
// hole that is written to, and directory entries are created for every
// part of the file that does not have one.
//
// The number of blocks and directory entries that are needed are
// computed up front. If the disk lacks the space, RESOURCE_EXHAUSTED is
// returned without modifying the image.
func (di *DiskImage) WriteAt(identity fileindex.Identity, p []byte, off int64) (int, error) {
	di.lock.Lock()
	defer di.lock.Unlock()

	if err := di.checkWritable(); err != nil {
		return 0, err
	}
	fi, err := di.openFileLocked(identity, nil)
	if err != nil {
		return 0, err
	}
	if err := di.writeAtLocked(fi, p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Append data to the end of an existing file.
func (di *DiskImage) Append(identity fileindex.Identity, p []byte) error {
	di.lock.Lock()
	defer di.lock.Unlock()

	if err := di.checkWritable(); err != nil {
		return err
	}
	fi, err := di.openFileLocked(identity, nil)
	if err != nil {
		return err
	}
	return di.writeAtLocked(fi, p, fi.SizeBytes())
}

func (di *DiskImage) writeAtLocked(fi *fileindex.FileIndex, p []byte, off int64) error {
	if off < 0 {
		return status.Errorf(codes.InvalidArgument, "Negative write offset: %d", off)
	}
	if len(p) == 0 {
		return nil
	}
	end := off + int64(len(p))
	if end > MaximumFileSizeBytes {
		return status.Errorf(codes.OutOfRange, "Writing %d bytes at offset %d would exceed the maximum file size of %d bytes", len(p), off, int64(MaximumFileSizeBytes))
	}

	dpb := di.format.DPB
	blockSizeBytes := int64(dpb.BlockSizeBytes())
	blocksPerExtent := int64(dpb.BlocksPerExtent())
	extents := newFileExtents(fi)
	oldSizeBytes := fi.SizeBytes()
	oldLast := lastExtentNumber(extents)

	// Determine how many blocks and directory entries are needed.
	firstBlock, lastBlock := off/blockSizeBytes, (end-1)/blockSizeBytes
	neededBlocks := 0
	var newExtents []uint32
	for fileBlock := firstBlock; fileBlock <= lastBlock; fileBlock++ {
		number := uint32(fileBlock / blocksPerExtent)
		if extent, ok := extents[number]; ok {
			if extent.entry.Blocks[fileBlock%blocksPerExtent].IsHole() {
				neededBlocks++
			}
		} else {
			if len(newExtents) == 0 || newExtents[len(newExtents)-1] != number {
				newExtents = append(newExtents, number)
			}
			neededBlocks++
		}
	}
	if available := di.allocator.FreeBlockCount(); available < neededBlocks {
		return status.Errorf(codes.ResourceExhausted, "Writing %d bytes at offset %d to file %s requires %d blocks, while only %d are available", len(p), off, fi.Identity(), neededBlocks, available)
	}
	freeSlots := di.freeSlots()
	if available := len(freeSlots); available < len(newExtents) {
		return status.Errorf(codes.ResourceExhausted, "Writing %d bytes at offset %d to file %s requires %d directory entries, while only %d are available", len(p), off, fi.Identity(), len(newExtents), available)
	}

	// Data between the old end of the file and the start of the
	// write becomes part of the file. Ensure that it reads as zero,
	// regardless of what was left there before.
	if off > oldSizeBytes {
		di.zeroRange(extents, oldSizeBytes, off)
	}

	identity := fi.Identity()
	touched := map[uint32]struct{}{}
	for i, number := range newExtents {
		extents[number] = &fileExtent{
			slot: freeSlots[i],
			entry: directory.Entry{
				Status:     directory.Status(identity.User),
				Filename:   identity.Filename,
				Attributes: fi.Attributes(),
				Blocks:     make([]directory.BlockPointer, dpb.PointerCount()),
			},
		}
	}
	for fileBlock := firstBlock; fileBlock <= lastBlock; fileBlock++ {
		number := uint32(fileBlock / blocksPerExtent)
		touched[number] = struct{}{}
		bp := &extents[number].entry.Blocks[fileBlock%blocksPerExtent]
		block, ok := bp.Block()
		if !ok {
			var err error
			block, err = di.allocator.AllocateBlock()
			if err != nil {
				return util.StatusWrapfWithCode(err, codes.Internal, "Failed to allocate block for file %s, even though enough blocks were available", identity)
			}
			clear(di.blockContents(block))
			*bp = directory.Allocated(block)
		}

		blockStart := fileBlock * blockSizeBytes
		from, to := max(off, blockStart), min(end, blockStart+blockSizeBytes)
		copy(di.blockContents(block)[from-blockStart:to-blockStart], p[from-off:to-off])
	}

	// Update the sizes of all entries that have been written to, and
	// those of the entries that were and are now the last.
	newSizeBytes := max(oldSizeBytes, end)
	newLast := lastExtentNumber(extents)
	touched[oldLast] = struct{}{}
	touched[newLast] = struct{}{}
	for number := range touched {
		extent := extents[number]
		if err := di.setExtentSize(&extent.entry, number, number == newLast, newSizeBytes); err != nil {
			return err
		}
		if err := di.writeSlot(extent.slot, extent.entry); err != nil {
			return err
		}
	}
	return nil
}

// Truncate reduces the size of a file. Blocks and directory entries
// that no longer hold any data are released. The resulting size is
// rounded down to the end of the last remaining directory entry if the
// requested size lies within a part of the file that has no entry.
func (di *DiskImage) Truncate(identity fileindex.Identity, sizeBytes int64) error {
	di.lock.Lock()
	defer di.lock.Unlock()

	if err := di.checkWritable(); err != nil {
		return err
	}
	fi, err := di.openFileLocked(identity, nil)
	if err != nil {
		return err
	}
	if sizeBytes < 0 || sizeBytes > fi.SizeBytes() {
		return status.Errorf(codes.InvalidArgument, "Files can only be shrunk: requested size %d, while file %s has size %d", sizeBytes, identity, fi.SizeBytes())
	}
	if sizeBytes == fi.SizeBytes() {
		return nil
	}

	// Release all entries past the new end of the file, except the
	// first, so that the file continues to exist.
	extents := fi.Extents()
	lastIndex := 0
	for i, e := range extents {
		if e.StartBytes < sizeBytes {
			lastIndex = i
		}
	}
	for _, e := range extents[lastIndex+1:] {
		di.freeBlocks(e.Entry.Blocks)
		di.releaseSlot(e.Slot)
	}

	last := extents[lastIndex]
	number := last.Number
	if last.StartBytes >= sizeBytes {
		// No entry holds any data below the requested size.
		// Turn the first entry into that of an empty file.
		number = 0
		sizeBytes = 0
	}
	start := int64(number) * di.format.DPB.PhysicalExtentSizeBytes()
	lastBytes := min(sizeBytes-start, di.format.DPB.PhysicalExtentSizeBytes())

	// Release the blocks of the last entry past the new end of the
	// file, and clear the remainder of the final block, so that
	// extending the file afterwards yields zeroes.
	entry := last.Entry
	entry.Blocks = append([]directory.BlockPointer(nil), last.Entry.Blocks...)
	blockSizeBytes := int64(di.format.DPB.BlockSizeBytes())
	keptBlocks := int((lastBytes + blockSizeBytes - 1) / blockSizeBytes)
	di.freeBlocks(entry.Blocks[keptBlocks:])
	for i := keptBlocks; i < len(entry.Blocks); i++ {
		entry.Blocks[i] = directory.Hole
	}
	if tail := lastBytes % blockSizeBytes; tail != 0 {
		if block, ok := entry.Blocks[keptBlocks-1].Block(); ok {
			clear(di.blockContents(block)[tail:])
		}
	}

	if err := di.setExtentSize(&entry, number, true, start+lastBytes); err != nil {
		return err
	}
	return di.writeSlot(last.Slot, entry)
}

// Delete a file. All of its blocks are released, and all of its
// directory entries are marked as unused.
func (di *DiskImage) Delete(identity fileindex.Identity) error {
	di.lock.Lock()
	defer di.lock.Unlock()

	if err := di.checkWritable(); err != nil {
		return err
	}
	fi, err := di.openFileLocked(identity, nil)
	if err != nil {
		return err
	}
	for _, e := range fi.Extents() {
		di.freeBlocks(e.Entry.Blocks)
		di.releaseSlot(e.Slot)
	}
	return nil
}

func (di *DiskImage) freeBlocks(blocks []directory.BlockPointer) {
	for _, bp := range blocks {
		if block, ok := bp.Block(); ok {
			di.allocator.FreeBlock(block)
		}
	}
}
