package image

import (
	"io"
	"sort"
	"sync"

	"github.com/buildbarn/bb-cpmfs/pkg/allocation"
	"github.com/buildbarn/bb-cpmfs/pkg/directory"
	"github.com/buildbarn/bb-cpmfs/pkg/fileindex"
	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BlockAllocatorFactory is invoked when a DiskImage is constructed. It
// may wrap the BlockAllocationMap of the image, so that allocations
// can be limited or instrumented. The BlockAllocationMap itself remains
// the authority on which blocks are in use.
type BlockAllocatorFactory func(base allocation.BlockAllocator) allocation.BlockAllocator

// DirectBlockAllocatorFactory uses the BlockAllocationMap of the image
// without any decorators.
func DirectBlockAllocatorFactory(base allocation.BlockAllocator) allocation.BlockAllocator {
	return base
}

type slot struct {
	entry directory.Entry
	// Set if the entry could not be decoded. Entries with invalid
	// filenames are still decoded fully. Their blocks are accounted
	// for, but they are omitted from listings.
	err error
}

// DiskImage is a CP/M file system stored in a fully memory resident
// disk image. It owns both the directory and the data area. All
// operations are serialized, as allocating blocks and directory
// entries requires exclusive access to the allocation state.
type DiskImage struct {
	format      *geometry.Format
	codec       *directory.Codec
	errorLogger util.ErrorLogger

	lock          sync.Mutex
	contents      []byte
	slots         []slot
	allocationMap *allocation.BlockAllocationMap
	allocator     allocation.BlockAllocator
	// Set if scanning the directory revealed that blocks are
	// shared, causing the image to be read-only.
	scanErr error
}

// New creates a DiskImage for a freshly formatted disk. The image is
// filled with 0xE5, which is what CP/M formatting tools write.
func New(format *geometry.Format, errorLogger util.ErrorLogger, allocatorFactory BlockAllocatorFactory) *DiskImage {
	contents := make([]byte, format.ImageSizeBytes())
	for i := range contents {
		contents[i] = byte(directory.StatusUnused)
	}
	di, err := NewFromBytes(format, contents, errorLogger, allocatorFactory)
	if err != nil {
		panic(err)
	}
	return di
}

// NewFromBytes creates a DiskImage for existing image contents. The
// directory is decoded and scanned to determine which blocks are in
// use. Directory slots that cannot be decoded are reported through the
// ErrorLogger. They prevent the image from being modified, as it would
// be unknown which blocks they reference.
func NewFromBytes(format *geometry.Format, contents []byte, errorLogger util.ErrorLogger, allocatorFactory BlockAllocatorFactory) (*DiskImage, error) {
	dpb := format.DPB
	if required := format.ReservedBytes() + dpb.DataAreaSizeBytes(); int64(len(contents)) < required {
		return nil, status.Errorf(codes.InvalidArgument, "Image is %d bytes in size, while format %#v requires at least %d bytes", len(contents), format.Name, required)
	}

	di := &DiskImage{
		format:      format,
		codec:       directory.NewCodec(format),
		errorLogger: errorLogger,
		contents:    contents,
		slots:       make([]slot, dpb.DirectoryEntryCount()),
	}
	entries := make([]directory.Entry, len(di.slots))
	for i := range di.slots {
		e, err := di.codec.Decode(di.rawSlot(i))
		if err != nil {
			errorLogger.Log(util.StatusWrapf(err, "Directory slot %d", i))
		}
		di.slots[i] = slot{entry: e, err: err}
		entries[i] = e
	}

	allocationMap, err := ScanBlockAllocationMap(dpb, entries)
	if err != nil {
		di.scanErr = err
		errorLogger.Log(util.StatusWrap(err, "Image cannot be modified"))
	}
	di.allocationMap = allocationMap
	di.allocator = allocatorFactory(allocationMap)
	return di, nil
}

// Format returns the disk format of the image.
func (di *DiskImage) Format() *geometry.Format {
	return di.format
}

// Bytes returns a copy of the contents of the image.
func (di *DiskImage) Bytes() []byte {
	di.lock.Lock()
	defer di.lock.Unlock()

	return append([]byte(nil), di.contents...)
}

func (di *DiskImage) rawSlot(i int) (raw directory.RawEntry) {
	offset := di.format.DirectoryOffset() + int64(i)*geometry.DirectoryEntrySizeBytes
	copy(raw[:], di.contents[offset:])
	return
}

// RawDirectory returns the directory entries as stored on disk.
func (di *DiskImage) RawDirectory() []directory.RawEntry {
	di.lock.Lock()
	defer di.lock.Unlock()

	entries := make([]directory.RawEntry, len(di.slots))
	for i := range entries {
		entries[i] = di.rawSlot(i)
	}
	return entries
}

// writeSlot encodes an entry and stores it in the directory. The
// entry is decoded again, so that the cached copy is identical to what
// a subsequent load of the image yields.
func (di *DiskImage) writeSlot(i int, e directory.Entry) error {
	raw, err := di.codec.Encode(e)
	if err != nil {
		return util.StatusWrapf(err, "Failed to encode directory slot %d", i)
	}
	decoded, err := di.codec.Decode(raw)
	if err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Encoded directory slot %d cannot be decoded", i)
	}
	offset := di.format.DirectoryOffset() + int64(i)*geometry.DirectoryEntrySizeBytes
	copy(di.contents[offset:], raw[:])
	di.slots[i] = slot{entry: decoded}
	return nil
}

// releaseSlot marks a directory slot as unused. Only the status byte
// is overwritten, as is done by CP/M when erasing files.
func (di *DiskImage) releaseSlot(i int) {
	offset := di.format.DirectoryOffset() + int64(i)*geometry.DirectoryEntrySizeBytes
	di.contents[offset] = byte(directory.StatusUnused)
	e, err := di.codec.Decode(di.rawSlot(i))
	if err != nil {
		panic(err)
	}
	di.slots[i] = slot{entry: e}
}

func (di *DiskImage) freeSlots() []int {
	var free []int
	for i, s := range di.slots {
		if s.err == nil && s.entry.Status == directory.StatusUnused {
			free = append(free, i)
		}
	}
	return free
}

// blockContents returns the part of the image that holds a block.
func (di *DiskImage) blockContents(block uint16) []byte {
	offset := di.format.BlockOffset(block)
	return di.contents[offset : offset+int64(di.format.DPB.BlockSizeBytes())]
}

// checkWritable returns an error if the directory is not in a state
// that permits modifications.
func (di *DiskImage) checkWritable() error {
	for i, s := range di.slots {
		if s.err != nil && status.Code(s.err) != codes.InvalidArgument {
			return util.StatusWrapfWithCode(s.err, codes.FailedPrecondition, "Directory slot %d cannot be decoded", i)
		}
	}
	if di.scanErr != nil {
		return util.StatusWrapWithCode(di.scanErr, codes.FailedPrecondition, "Directory is corrupted")
	}
	return nil
}

// fileSlots returns the decoded slots that may be used to construct
// FileIndex objects.
func (di *DiskImage) fileSlots() []fileindex.Slot {
	var slots []fileindex.Slot
	for i, s := range di.slots {
		if s.err == nil && s.entry.Status.IsFile() {
			slots = append(slots, fileindex.Slot{Index: i, Entry: s.entry})
		}
	}
	return slots
}

func (di *DiskImage) openFileLocked(identity fileindex.Identity, data io.ReaderAt) (*fileindex.FileIndex, error) {
	fi, err := fileindex.Build(identity, di.fileSlots(), di.codec, data)
	if err != nil {
		return nil, err
	}
	if len(fi.Slots()) == 0 {
		return nil, status.Errorf(codes.NotFound, "File %s does not exist", identity)
	}
	return fi, nil
}

// OpenFile returns a FileIndex through which the contents of a file
// may be read. The FileIndex reflects the state of the directory at
// the time of the call.
func (di *DiskImage) OpenFile(identity fileindex.Identity) (*fileindex.FileIndex, error) {
	di.lock.Lock()
	defer di.lock.Unlock()

	return di.openFileLocked(identity, dataAreaReader{di: di})
}

// ListFiles returns all files stored in the image, ordered by user
// number and filename. Files whose directory entries are inconsistent
// are reported through the ErrorLogger and omitted.
func (di *DiskImage) ListFiles() []*fileindex.FileIndex {
	di.lock.Lock()
	defer di.lock.Unlock()

	slots := di.fileSlots()
	seen := map[fileindex.Identity]struct{}{}
	var identities []fileindex.Identity
	for _, s := range slots {
		identity := fileindex.Identity{User: uint8(s.Entry.Status), Filename: s.Entry.Filename}
		if _, ok := seen[identity]; !ok {
			seen[identity] = struct{}{}
			identities = append(identities, identity)
		}
	}
	sort.Slice(identities, func(i, j int) bool {
		a, b := identities[i], identities[j]
		if a.User != b.User {
			return a.User < b.User
		}
		if a.Filename.Name != b.Filename.Name {
			return a.Filename.Name < b.Filename.Name
		}
		return a.Filename.Extension < b.Filename.Extension
	})

	files := make([]*fileindex.FileIndex, 0, len(identities))
	for _, identity := range identities {
		fi, err := fileindex.Build(identity, slots, di.codec, dataAreaReader{di: di})
		if err != nil {
			di.errorLogger.Log(err)
			continue
		}
		files = append(files, fi)
	}
	return files
}

// FreeBlockCount returns the number of blocks that may still be
// allocated.
func (di *DiskImage) FreeBlockCount() int {
	di.lock.Lock()
	defer di.lock.Unlock()

	return di.allocator.FreeBlockCount()
}

// FreeDirectoryEntryCount returns the number of unused directory
// slots.
func (di *DiskImage) FreeDirectoryEntryCount() int {
	di.lock.Lock()
	defer di.lock.Unlock()

	return len(di.freeSlots())
}

// IsBlockAllocated returns whether a block is in use by the directory
// or by a file.
func (di *DiskImage) IsBlockAllocated(block uint16) bool {
	di.lock.Lock()
	defer di.lock.Unlock()

	return di.allocationMap.IsAllocated(block)
}

// ReadBlock returns a copy of the contents of a block.
func (di *DiskImage) ReadBlock(block uint16) ([]byte, error) {
	if int(block) >= di.format.DPB.DataBlockCount() {
		return nil, status.Errorf(codes.OutOfRange, "Block %d is outside the disk, which has %d blocks", block, di.format.DPB.DataBlockCount())
	}

	di.lock.Lock()
	defer di.lock.Unlock()

	return append([]byte(nil), di.blockContents(block)...), nil
}

// WriteSystemTracks stores a boot loader or operating system image at
// the start of the reserved tracks.
func (di *DiskImage) WriteSystemTracks(p []byte) error {
	if reserved := di.format.ReservedBytes(); int64(len(p)) > reserved {
		return status.Errorf(codes.OutOfRange, "System image is %d bytes in size, while the reserved tracks only hold %d bytes", len(p), reserved)
	}

	di.lock.Lock()
	defer di.lock.Unlock()

	copy(di.contents, p)
	return nil
}

// dataAreaReader provides access to the data area of a DiskImage, where
// offset zero corresponds to the start of block zero.
type dataAreaReader struct {
	di *DiskImage
}

func (r dataAreaReader) ReadAt(p []byte, off int64) (int, error) {
	di := r.di
	di.lock.Lock()
	defer di.lock.Unlock()

	start := di.format.ReservedBytes()
	area := di.contents[start : start+di.format.DPB.DataAreaSizeBytes()]
	if off >= int64(len(area)) {
		return 0, io.EOF
	}
	n := copy(p, area[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
