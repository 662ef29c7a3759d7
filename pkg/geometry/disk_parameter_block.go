package geometry

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DirectoryEntrySizeBytes is the size of a single directory entry.
const DirectoryEntrySizeBytes = 32

// PointerWidth describes how block pointers are stored inside a
// directory entry. Disks with at most 256 blocks use single byte
// pointers. Larger disks use two byte little endian pointers.
type PointerWidth int

const (
	// PointerWidthEight causes each entry to hold 16 one byte
	// block pointers.
	PointerWidthEight PointerWidth = 1
	// PointerWidthSixteen causes each entry to hold 8 two byte
	// block pointers.
	PointerWidthSixteen PointerWidth = 2
)

// Bytes returns the number of bytes used to store a single pointer.
func (pw PointerWidth) Bytes() int {
	return int(pw)
}

// Count returns the number of pointers stored in a directory entry.
func (pw PointerWidth) Count() int {
	return 16 / int(pw)
}

// MaximumBlock returns the highest block number that can be stored.
func (pw PointerWidth) MaximumBlock() uint32 {
	if pw == PointerWidthEight {
		return 0xff
	}
	return 0xffff
}

func (pw PointerWidth) String() string {
	if pw == PointerWidthEight {
		return "8-bit"
	}
	return "16-bit"
}

// Parameters contains the raw values of a Disk Parameter Block, as they
// are listed in the BIOS of a CP/M system or in a table of disk
// formats.
type Parameters struct {
	// Highest block number on the disk, including the directory.
	DSM uint16
	// Highest directory entry number.
	DRM uint16
	// Number of reserved (system) tracks preceding the directory.
	OFF uint16
	// Block shift. Blocks are 128<<BSH bytes in size.
	BSH uint8
	// Block mask. Must be equal to (1<<BSH)-1.
	BLM uint8

	// Some formats only store a single logical extent per directory
	// entry, even though more pointers would fit. When set, EXM
	// overrides the extent mask that is otherwise derived from the
	// block size and pointer width.
	HasEXM bool
	EXM    uint8
}

// DiskParameterBlock is an immutable descriptor of the layout of a
// CP/M file system. It is constructed once per disk format and shared
// by all code that interprets the contents of an image.
type DiskParameterBlock struct {
	parameters          Parameters
	pointerWidth        PointerWidth
	extentMask          uint8
	directoryBlockCount int
}

// NewDiskParameterBlock validates a set of parameters and returns a
// DiskParameterBlock for them. Inconsistent parameters are reported
// with code INVALID_ARGUMENT.
func NewDiskParameterBlock(parameters Parameters) (*DiskParameterBlock, error) {
	if parameters.BSH < 3 || parameters.BSH > 7 {
		return nil, status.Errorf(codes.InvalidArgument, "Block shift %d is outside the supported range [3, 7]", parameters.BSH)
	}
	if expected := uint8(1)<<parameters.BSH - 1; parameters.BLM != expected {
		return nil, status.Errorf(codes.InvalidArgument, "Block mask %d is inconsistent with block shift %d, expected %d", parameters.BLM, parameters.BSH, expected)
	}
	blockSizeBytes := RecordSizeBytes << parameters.BSH

	directorySizeBytes := (int(parameters.DRM) + 1) * DirectoryEntrySizeBytes
	if directorySizeBytes%blockSizeBytes != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Directory of %d entries does not fill an integral number of %d byte blocks", int(parameters.DRM)+1, blockSizeBytes)
	}
	directoryBlockCount := directorySizeBytes / blockSizeBytes
	if directoryBlockCount > int(parameters.DSM) {
		return nil, status.Errorf(codes.InvalidArgument, "Directory occupies %d blocks, leaving no data blocks on a disk with %d blocks", directoryBlockCount, int(parameters.DSM)+1)
	}

	pointerWidth := PointerWidthSixteen
	if int(parameters.DSM)+1 <= 256 {
		pointerWidth = PointerWidthEight
	}
	logicalExtents, err := LogicalExtentsPerPhysical(blockSizeBytes, pointerWidth.Count())
	if err != nil {
		return nil, err
	}
	extentMask := uint8(logicalExtents - 1)
	if parameters.HasEXM {
		if parameters.EXM > extentMask {
			return nil, status.Errorf(codes.InvalidArgument, "Extent mask %d exceeds %d, the maximum for %d byte blocks with %s pointers", parameters.EXM, extentMask, blockSizeBytes, pointerWidth)
		}
		if parameters.EXM&(parameters.EXM+1) != 0 {
			return nil, status.Errorf(codes.InvalidArgument, "Extent mask %d is not of the form 2^k-1", parameters.EXM)
		}
		extentMask = parameters.EXM
	}

	return &DiskParameterBlock{
		parameters:          parameters,
		pointerWidth:        pointerWidth,
		extentMask:          extentMask,
		directoryBlockCount: directoryBlockCount,
	}, nil
}

// MustNewDiskParameterBlock is identical to NewDiskParameterBlock,
// except that it panics when the parameters are invalid.
func MustNewDiskParameterBlock(parameters Parameters) *DiskParameterBlock {
	dpb, err := NewDiskParameterBlock(parameters)
	if err != nil {
		panic(err)
	}
	return dpb
}

// Parameters returns the raw values from which the DiskParameterBlock
// was constructed.
func (dpb *DiskParameterBlock) Parameters() Parameters {
	return dpb.parameters
}

// BlockSizeBytes returns the size of an allocation block.
func (dpb *DiskParameterBlock) BlockSizeBytes() int {
	return RecordSizeBytes << dpb.parameters.BSH
}

// RecordsPerBlock returns the number of 128 byte records in a block.
func (dpb *DiskParameterBlock) RecordsPerBlock() int {
	return int(dpb.parameters.BLM) + 1
}

// PointerWidth returns whether block pointers are one or two bytes.
func (dpb *DiskParameterBlock) PointerWidth() PointerWidth {
	return dpb.pointerWidth
}

// PointerCount returns the number of block pointers in an entry.
func (dpb *DiskParameterBlock) PointerCount() int {
	return dpb.pointerWidth.Count()
}

// DirectoryEntryCount returns DRM+1.
func (dpb *DiskParameterBlock) DirectoryEntryCount() int {
	return int(dpb.parameters.DRM) + 1
}

// DataBlockCount returns DSM+1. This includes the blocks occupied by
// the directory.
func (dpb *DiskParameterBlock) DataBlockCount() int {
	return int(dpb.parameters.DSM) + 1
}

// DirectoryBlockCount returns the number of blocks at the start of the
// data area that are occupied by the directory.
func (dpb *DiskParameterBlock) DirectoryBlockCount() int {
	return dpb.directoryBlockCount
}

// ReservedTracks returns OFF.
func (dpb *DiskParameterBlock) ReservedTracks() int {
	return int(dpb.parameters.OFF)
}

// ExtentMask returns EXM, which is one less than the number of 16 KiB
// logical extents described by a single directory entry.
func (dpb *DiskParameterBlock) ExtentMask() uint8 {
	return dpb.extentMask
}

// LogicalExtentsPerPhysical returns the number of logical extents that
// a single directory entry describes.
func (dpb *DiskParameterBlock) LogicalExtentsPerPhysical() uint32 {
	return uint32(dpb.extentMask) + 1
}

// BlocksPerExtent returns the number of pointer slots of a directory
// entry that are used. This is less than PointerCount() if the extent
// mask was overridden.
func (dpb *DiskParameterBlock) BlocksPerExtent() int {
	return int(dpb.LogicalExtentsPerPhysical()) * LogicalExtentSizeBytes / dpb.BlockSizeBytes()
}

// PhysicalExtentSizeBytes returns the number of bytes of file data that
// a single directory entry can describe.
func (dpb *DiskParameterBlock) PhysicalExtentSizeBytes() int64 {
	return int64(dpb.LogicalExtentsPerPhysical()) * LogicalExtentSizeBytes
}

// DataAreaSizeBytes returns the size of the directory and data blocks.
func (dpb *DiskParameterBlock) DataAreaSizeBytes() int64 {
	return int64(dpb.DataBlockCount()) * int64(dpb.BlockSizeBytes())
}
