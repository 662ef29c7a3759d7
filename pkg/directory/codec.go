package directory

import (
	"encoding/binary"
	"strings"

	"github.com/buildbarn/bb-cpmfs/pkg/geometry"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	offsetName        = 1
	offsetExtension   = offsetName + NameLength
	offsetExtentLow   = 12
	offsetByteCount   = 13
	offsetExtentHigh  = 14
	offsetRecordCount = 15
	offsetBlocks      = 16

	maximumExtentLow  = 0x1f
	maximumExtentHigh = 0x3f
)

// RawEntry is a directory entry as stored on disk.
type RawEntry [geometry.DirectoryEntrySizeBytes]byte

// Codec converts directory entries between their on-disk and decoded
// forms. The width of block pointers is determined by the disk
// parameter block.
type Codec struct {
	DPB *geometry.DiskParameterBlock
	// Interpret the byte count as the number of unused bytes in the
	// last record, as done by ISX.
	UnusedByteCount bool
}

// NewCodec returns a Codec for the entries of a disk format.
func NewCodec(format *geometry.Format) *Codec {
	return &Codec{
		DPB:             format.DPB,
		UnusedByteCount: format.UnusedByteCount,
	}
}

// Decode a directory entry. Entries with an unknown status are
// rejected with DATA_LOSS. Entries with a malformed filename are
// returned in full, together with an INVALID_ARGUMENT error. This
// permits callers to report the entry and continue.
func (c *Codec) Decode(raw RawEntry) (Entry, error) {
	s := Status(raw[0])
	if !s.IsFile() {
		switch s {
		case StatusLabel, StatusTimestamp, StatusUnused:
			e := Entry{Status: s}
			copy(e.Payload[:], raw[1:])
			return e, nil
		default:
			return Entry{}, status.Errorf(codes.DataLoss, "Directory entry has invalid status %s", s)
		}
	}

	e := Entry{
		Status: s,
		Filename: Filename{
			Name:      decodeFilenameComponent(raw[offsetName:offsetExtension]),
			Extension: decodeFilenameComponent(raw[offsetExtension:offsetExtentLow]),
		},
		ExtentLow:   raw[offsetExtentLow] & maximumExtentLow,
		ByteCount:   raw[offsetByteCount],
		ExtentHigh:  raw[offsetExtentHigh] & maximumExtentHigh,
		RecordCount: raw[offsetRecordCount],
		Blocks:      make([]BlockPointer, 0, c.DPB.PointerCount()),
	}
	for _, a := range attributeOffsets {
		if raw[a.offset]&0x80 != 0 {
			e.Attributes |= a.attribute
		}
	}

	pointers := raw[offsetBlocks:]
	if c.DPB.PointerWidth() == geometry.PointerWidthEight {
		for _, b := range pointers {
			e.Blocks = append(e.Blocks, decodeBlockPointer(uint16(b)))
		}
	} else {
		for i := 0; i < len(pointers); i += 2 {
			e.Blocks = append(e.Blocks, decodeBlockPointer(binary.LittleEndian.Uint16(pointers[i:])))
		}
	}

	if err := e.Filename.validate(); err != nil {
		return e, err
	}
	return e, nil
}

func decodeFilenameComponent(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		sb.WriteByte(c & 0x7f)
	}
	return strings.TrimRight(sb.String(), " ")
}

func decodeBlockPointer(block uint16) BlockPointer {
	if block == 0 {
		return Hole
	}
	return Allocated(block)
}

// Encode a directory entry. Attribute bits that have no meaning are
// cleared. Fields that do not fit in the on-disk representation cause
// OUT_OF_RANGE to be returned.
func (c *Codec) Encode(e Entry) (RawEntry, error) {
	var raw RawEntry
	raw[0] = byte(e.Status)
	if !e.Status.IsFile() {
		copy(raw[1:], e.Payload[:])
		return raw, nil
	}

	if len(e.Filename.Name) > NameLength || len(e.Filename.Extension) > ExtensionLength {
		return RawEntry{}, status.Errorf(codes.OutOfRange, "Filename %#v does not fit in %d+%d characters", e.Filename.String(), NameLength, ExtensionLength)
	}
	encodeFilenameComponent(raw[offsetName:offsetExtension], e.Filename.Name)
	encodeFilenameComponent(raw[offsetExtension:offsetExtentLow], e.Filename.Extension)
	for _, a := range attributeOffsets {
		if e.Attributes&a.attribute != 0 {
			raw[a.offset] |= 0x80
		}
	}

	if e.ExtentLow > maximumExtentLow {
		return RawEntry{}, status.Errorf(codes.OutOfRange, "Low extent bits %d exceed the maximum of %d", e.ExtentLow, maximumExtentLow)
	}
	if e.ExtentHigh > maximumExtentHigh {
		return RawEntry{}, status.Errorf(codes.OutOfRange, "High extent bits %d exceed the maximum of %d", e.ExtentHigh, maximumExtentHigh)
	}
	raw[offsetExtentLow] = e.ExtentLow
	raw[offsetByteCount] = e.ByteCount
	raw[offsetExtentHigh] = e.ExtentHigh
	raw[offsetRecordCount] = e.RecordCount

	pointerWidth := c.DPB.PointerWidth()
	if len(e.Blocks) != pointerWidth.Count() {
		return RawEntry{}, status.Errorf(codes.InvalidArgument, "Entry has %d block pointers, while %s pointers require %d", len(e.Blocks), pointerWidth, pointerWidth.Count())
	}
	for i, bp := range e.Blocks {
		block, ok := bp.Block()
		if !ok {
			continue
		}
		if block == 0 {
			return RawEntry{}, status.Errorf(codes.InvalidArgument, "Block pointer %d refers to block 0, which cannot be distinguished from a hole", i)
		}
		if uint32(block) > pointerWidth.MaximumBlock() {
			return RawEntry{}, status.Errorf(codes.OutOfRange, "Block %d exceeds the maximum of %d for %s pointers", block, pointerWidth.MaximumBlock(), pointerWidth)
		}
		if pointerWidth == geometry.PointerWidthEight {
			raw[offsetBlocks+i] = byte(block)
		} else {
			binary.LittleEndian.PutUint16(raw[offsetBlocks+2*i:], block)
		}
	}
	return raw, nil
}

func encodeFilenameComponent(out []byte, s string) {
	for i := range out {
		if i < len(s) {
			out[i] = s[i] & 0x7f
		} else {
			out[i] = ' '
		}
	}
}

// LastRecordBytes returns the number of bytes in use in the last
// record of an entry. Entries without blocks are empty. For other
// entries a stored value of zero means that the record is fully used,
// for compatibility with CP/M 2.2, which did not maintain this field.
func (c *Codec) LastRecordBytes(e *Entry) int {
	if !e.HasBlocks() {
		return 0
	}
	bc := int(e.ByteCount)
	if bc == 0 || bc >= geometry.RecordSizeBytes {
		return geometry.RecordSizeBytes
	}
	if c.UnusedByteCount {
		return geometry.RecordSizeBytes - bc
	}
	return bc
}

// EncodeLastRecordBytes is the inverse of LastRecordBytes. It accepts
// a value in range [1, 128].
func (c *Codec) EncodeLastRecordBytes(n int) uint8 {
	if n <= 0 || n >= geometry.RecordSizeBytes {
		return 0
	}
	if c.UnusedByteCount {
		return uint8(geometry.RecordSizeBytes - n)
	}
	return uint8(n)
}
