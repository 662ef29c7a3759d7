package fileindex

import (
	"fmt"
	"io"
	"sort"

	"github.com/buildbarn/bb-cpmfs/pkg/directory"
	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Identity of a file. All directory entries with the same user number
// and filename belong to the same file.
type Identity struct {
	User     uint8
	Filename directory.Filename
}

// Matches returns whether a directory entry belongs to the file.
func (i Identity) Matches(e *directory.Entry) bool {
	return e.Status.IsFile() && uint8(e.Status) == i.User && e.Filename == i.Filename
}

func (i Identity) String() string {
	return fmt.Sprintf("%d:%s", i.User, i.Filename)
}

// Slot is a decoded directory entry, together with its index in the
// directory.
type Slot struct {
	Index int
	Entry directory.Entry
}

// Extent is a single directory entry of a file.
type Extent struct {
	Slot   int
	Number uint32
	Entry  directory.Entry

	// File offsets of the data described by this entry. EndBytes
	// is derived from the record count and, for the last entry of
	// the file, the byte count of the last record.
	StartBytes int64
	EndBytes   int64
}

// FileIndex provides access to the contents of a file, based on the
// directory entries that belong to it. Entries are ordered by extent
// number. Missing entries and block pointers that are holes cause reads
// to stop, as CP/M returns end-of-file when a hole is reached.
//
// A FileIndex is a view of the directory at the time it was built. It
// must be rebuilt after the directory has been modified.
type FileIndex struct {
	identity  Identity
	codec     *directory.Codec
	data      io.ReaderAt
	extents   []Extent
	sizeBytes int64
}

// Build a FileIndex for a file from the slots of a directory. Slots
// that belong to other files are ignored. Reads are served from data,
// in which offset zero corresponds to the start of block zero. data may
// be nil if the contents of the file are not read.
func Build(identity Identity, slots []Slot, codec *directory.Codec, data io.ReaderAt) (*FileIndex, error) {
	dpb := codec.DPB
	extentMask := dpb.ExtentMask()
	physicalExtentSizeBytes := dpb.PhysicalExtentSizeBytes()

	var extents []Extent
	for _, slot := range slots {
		if identity.Matches(&slot.Entry) {
			number := slot.Entry.ExtentNumber(extentMask)
			start := int64(number) * physicalExtentSizeBytes
			records := int64(slot.Entry.RawExtent()&uint32(extentMask))*geometry.RecordsPerLogicalExtent + int64(min(slot.Entry.RecordCount, geometry.RecordsPerLogicalExtent))
			extents = append(extents, Extent{
				Slot:       slot.Index,
				Number:     number,
				Entry:      slot.Entry,
				StartBytes: start,
				EndBytes:   start + records*geometry.RecordSizeBytes,
			})
		}
	}
	sort.SliceStable(extents, func(i, j int) bool {
		return extents[i].Number < extents[j].Number
	})
	for i := 1; i < len(extents); i++ {
		if extents[i-1].Number == extents[i].Number {
			return nil, status.Errorf(codes.FailedPrecondition, "File %s has directory entries in slots %d and %d that both have extent number %d", identity, extents[i-1].Slot, extents[i].Slot, extents[i].Number)
		}
	}

	var sizeBytes int64
	if len(extents) > 0 {
		// The size of the file is determined by the entry with
		// the highest extent number, as CP/M only considers the
		// last record of the file to be partially used.
		last := &extents[len(extents)-1]
		if last.EndBytes > last.StartBytes {
			if n := codec.LastRecordBytes(&last.Entry); n > 0 {
				last.EndBytes -= int64(geometry.RecordSizeBytes - n)
			}
		}
		sizeBytes = last.EndBytes
	}

	return &FileIndex{
		identity:  identity,
		codec:     codec,
		data:      data,
		extents:   extents,
		sizeBytes: sizeBytes,
	}, nil
}

// Identity returns the user number and filename of the file.
func (fi *FileIndex) Identity() Identity {
	return fi.identity
}

// SizeBytes returns the size of the file.
func (fi *FileIndex) SizeBytes() int64 {
	return fi.sizeBytes
}

// Extents returns the directory entries of the file, ordered by extent
// number.
func (fi *FileIndex) Extents() []Extent {
	return append([]Extent(nil), fi.extents...)
}

// Slots returns the directory slots in use by the file, ordered by
// extent number.
func (fi *FileIndex) Slots() []int {
	slots := make([]int, 0, len(fi.extents))
	for _, e := range fi.extents {
		slots = append(slots, e.Slot)
	}
	return slots
}

// Attributes returns the attributes of the file, which are taken from
// its first directory entry.
func (fi *FileIndex) Attributes() directory.Attributes {
	if len(fi.extents) == 0 {
		return 0
	}
	return fi.extents[0].Entry.Attributes
}

func (fi *FileIndex) lookupExtent(number uint32) (*Extent, bool) {
	i := sort.Search(len(fi.extents), func(i int) bool {
		return fi.extents[i].Number >= number
	})
	if i < len(fi.extents) && fi.extents[i].Number == number {
		return &fi.extents[i], true
	}
	return nil, false
}

// BlockAt returns the block pointer that stores a given block of the
// file. Blocks of entries that are absent are holes.
func (fi *FileIndex) BlockAt(fileBlockIndex uint64) (directory.BlockPointer, error) {
	dpb := fi.codec.DPB
	if maximumBlocks := uint64(geometry.MaximumFileSizeBytes / dpb.BlockSizeBytes()); fileBlockIndex >= maximumBlocks {
		return directory.Hole, status.Errorf(codes.InvalidArgument, "Block %d lies beyond the maximum file size of %d blocks", fileBlockIndex, maximumBlocks)
	}
	blocksPerExtent := uint64(dpb.BlocksPerExtent())
	extent, ok := fi.lookupExtent(uint32(fileBlockIndex / blocksPerExtent))
	if !ok {
		return directory.Hole, nil
	}
	return extent.Entry.Blocks[fileBlockIndex%blocksPerExtent], nil
}

// ReadAt reads the contents of the file. It behaves like
// io.ReaderAt.ReadAt(), except that the end of the file is also
// reported when a hole is reached.
func (fi *FileIndex) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative read offset: %d", off)
	}
	if off > geometry.MaximumFileSizeBytes {
		return 0, status.Errorf(codes.InvalidArgument, "Read offset %d lies beyond the maximum file size of %d bytes", off, int64(geometry.MaximumFileSizeBytes))
	}

	dpb := fi.codec.DPB
	blockSizeBytes := int64(dpb.BlockSizeBytes())
	physicalExtentSizeBytes := dpb.PhysicalExtentSizeBytes()
	nTotal := 0
	for len(p) > 0 {
		if off >= fi.sizeBytes {
			return nTotal, io.EOF
		}
		extent, ok := fi.lookupExtent(uint32(off / physicalExtentSizeBytes))
		if !ok || off >= extent.EndBytes {
			return nTotal, io.EOF
		}
		blockIndex := (off - extent.StartBytes) / blockSizeBytes
		block, ok := extent.Entry.Blocks[blockIndex].Block()
		if !ok {
			return nTotal, io.EOF
		}

		// Read up to the end of the block, or the end of the
		// data described by the entry, whichever comes first.
		blockStart := extent.StartBytes + blockIndex*blockSizeBytes
		end := min(blockStart+blockSizeBytes, extent.EndBytes)
		chunk := p
		if remaining := end - off; int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := fi.data.ReadAt(chunk, int64(block)*blockSizeBytes+off-blockStart)
		nTotal += n
		if err != nil {
			return nTotal, util.StatusWrapfWithCode(err, codes.Internal, "Failed to read block %d of file %s", block, fi.identity)
		}
		p = p[n:]
		off += int64(n)
	}
	return nTotal, nil
}
