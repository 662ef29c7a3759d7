package geometry

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// RecordSizeBytes is the size of a CP/M record.
	RecordSizeBytes = 128
	// LogicalExtentSizeBytes is the amount of file data described
	// by a single logical extent.
	LogicalExtentSizeBytes = 16384
	// RecordsPerLogicalExtent is the maximum value of a directory
	// entry's record count.
	RecordsPerLogicalExtent = LogicalExtentSizeBytes / RecordSizeBytes

	// Xl stores five bits and Xh stores six bits of the extent.
	maximumExtentLow  = 0x1f
	maximumExtentHigh = 0x3f
	// MaximumRawExtent is the highest logical extent index that
	// can be stored in a directory entry.
	MaximumRawExtent = (maximumExtentHigh+1)*(maximumExtentLow+1) - 1
	// MaximumFileSizeBytes is the largest file size that can be
	// expressed by the extent fields of a directory entry.
	MaximumFileSizeBytes = (MaximumRawExtent + 1) * LogicalExtentSizeBytes
)

// RawExtent combines the Xl and Xh fields of a directory entry. The
// result is the index of the last logical extent in use by the entry.
func RawExtent(extentLow, extentHigh uint8) uint32 {
	return uint32(extentHigh&maximumExtentHigh)*(maximumExtentLow+1) + uint32(extentLow&maximumExtentLow)
}

// ExtentNumber computes the position of a directory entry within the
// sequence of entries of a file: ((32*Xh)+Xl)/(EXM+1).
func ExtentNumber(extentLow, extentHigh, extentMask uint8) uint32 {
	return RawExtent(extentLow, extentHigh) / (uint32(extentMask) + 1)
}

// SplitRawExtent is the inverse of RawExtent.
func SplitRawExtent(raw uint32) (uint8, uint8, error) {
	if raw > MaximumRawExtent {
		return 0, 0, status.Errorf(codes.OutOfRange, "Extent %d exceeds the maximum of %d", raw, MaximumRawExtent)
	}
	return uint8(raw & maximumExtentLow), uint8(raw / (maximumExtentLow + 1)), nil
}

// SplitExtentNumber computes the Xl and Xh fields for the first logical
// extent of a directory entry with a given extent number.
func SplitExtentNumber(extentNumber uint32, extentMask uint8) (uint8, uint8, error) {
	raw := uint64(extentNumber) * (uint64(extentMask) + 1)
	if raw > MaximumRawExtent {
		return 0, 0, status.Errorf(codes.OutOfRange, "Extent number %d exceeds the maximum of %d for extent mask %d", extentNumber, MaximumRawExtent/(uint32(extentMask)+1), extentMask)
	}
	return SplitRawExtent(uint32(raw))
}

// LogicalExtentsPerPhysical computes how many 16 KiB logical extents
// fit in a directory entry, given the block size and the number of
// pointers in an entry. Geometries for which this is zero cannot
// represent any file.
func LogicalExtentsPerPhysical(blockSizeBytes, pointerCount int) (uint32, error) {
	n := blockSizeBytes * pointerCount / LogicalExtentSizeBytes
	if n == 0 {
		return 0, status.Errorf(codes.InvalidArgument, "A directory entry with %d pointers to %d byte blocks describes only %d bytes, which is less than a logical extent", pointerCount, blockSizeBytes, blockSizeBytes*pointerCount)
	}
	return uint32(n), nil
}

// OffsetToLogical splits a file offset into the index of a logical
// extent and the offset within that extent.
func OffsetToLogical(offset uint64) (uint64, uint32) {
	return offset / LogicalExtentSizeBytes, uint32(offset % LogicalExtentSizeBytes)
}

// LogicalToPhysical converts the index of a logical extent to the
// extent number of the directory entry holding it and the slot of the
// logical extent within that entry.
func (dpb *DiskParameterBlock) LogicalToPhysical(logicalIndex uint64) (uint32, uint32) {
	n := uint64(dpb.LogicalExtentsPerPhysical())
	return uint32(logicalIndex / n), uint32(logicalIndex % n)
}
