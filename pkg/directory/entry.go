package directory

import (
	"fmt"
	"strings"

	"github.com/buildbarn/bb-cpmfs/pkg/geometry"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Status is the first byte of a directory entry. Values up to
// MaximumUser denote a file owned by that user number.
type Status uint8

const (
	// MaximumUser is the highest user number that the BDOS accepts.
	// CP/M 2.2 only documents 0-15.
	MaximumUser Status = 31
	// StatusLabel marks the disc label.
	StatusLabel Status = 0x20
	// StatusTimestamp marks a P2DOS time stamp entry.
	StatusTimestamp Status = 0x21
	// StatusUnused marks a free directory slot.
	StatusUnused Status = 0xe5
)

// IsFile returns true if the status denotes an entry of a file.
func (s Status) IsFile() bool {
	return s <= MaximumUser
}

func (s Status) String() string {
	switch {
	case s.IsFile():
		return fmt.Sprintf("user %d", uint8(s))
	case s == StatusLabel:
		return "label"
	case s == StatusTimestamp:
		return "timestamp"
	case s == StatusUnused:
		return "unused"
	default:
		return fmt.Sprintf("0x%02x", uint8(s))
	}
}

// Attributes stored in bit 7 of the name and extension bytes.
type Attributes uint8

const (
	// AttributeReadOnly is stored in E0.
	AttributeReadOnly Attributes = 1 << iota
	// AttributeSystem is stored in E1.
	AttributeSystem
	// AttributeArchived is stored in E2.
	AttributeArchived
	// AttributePublic is stored in F1 (P2DOS, ZSDOS).
	AttributePublic
	// AttributeWheelRequired is stored in F0 (Backgrounder II).
	AttributeWheelRequired
	// AttributeDateStamp is stored in F2 (ZSDOS).
	AttributeDateStamp
	// AttributeWheelProtect is stored in F7 (ZSDOS).
	AttributeWheelProtect
)

// Offsets of the bytes in the directory entry whose bit 7 holds an
// attribute.
var attributeOffsets = []struct {
	attribute Attributes
	offset    int
	name      string
}{
	{AttributeWheelRequired, 1, "wheel_required"},
	{AttributePublic, 2, "public"},
	{AttributeDateStamp, 3, "date_stamp"},
	{AttributeWheelProtect, 8, "wheel_protect"},
	{AttributeReadOnly, 9, "read_only"},
	{AttributeSystem, 10, "system"},
	{AttributeArchived, 11, "archived"},
}

// ParseAttributes converts a comma separated list of attribute names,
// as returned by Attributes.String(), to a set of attributes.
func ParseAttributes(s string) (Attributes, error) {
	var attributes Attributes
	if s == "" {
		return 0, nil
	}
	for _, name := range strings.Split(s, ",") {
		found := false
		for _, a := range attributeOffsets {
			if a.name == name {
				attributes |= a.attribute
				found = true
				break
			}
		}
		if !found {
			return 0, status.Errorf(codes.InvalidArgument, "Unknown attribute %#v", name)
		}
	}
	return attributes, nil
}

func (a Attributes) String() string {
	var names []string
	for _, attribute := range attributeOffsets {
		if a&attribute.attribute != 0 {
			names = append(names, attribute.name)
		}
	}
	return strings.Join(names, ",")
}

// Entry is the decoded form of a 32 byte directory entry.
//
// The extent number is deliberately not stored. It is split across
// ExtentLow and ExtentHigh and is computed on demand, as its meaning
// depends on the extent mask of the disk.
type Entry struct {
	Status      Status
	Filename    Filename
	Attributes  Attributes
	ExtentLow   uint8
	ExtentHigh  uint8
	RecordCount uint8
	// ByteCount is stored as found on disk. Use
	// Codec.LastRecordBytes() to interpret it.
	ByteCount uint8
	Blocks    []BlockPointer

	// Bytes 1 to 31 of entries that do not belong to a file, such as
	// labels, time stamps and unused slots. These are retained so
	// that decoding and encoding such an entry is lossless.
	Payload [geometry.DirectoryEntrySizeBytes - 1]byte
}

// RawExtent returns the extent field, which is the index of the last
// logical extent in use by this entry.
func (e *Entry) RawExtent() uint32 {
	return geometry.RawExtent(e.ExtentLow, e.ExtentHigh)
}

// ExtentNumber returns the position of the entry within the sequence
// of entries of a file.
func (e *Entry) ExtentNumber(extentMask uint8) uint32 {
	return geometry.ExtentNumber(e.ExtentLow, e.ExtentHigh, extentMask)
}

// SetRawExtent stores a raw extent value in the ExtentLow and
// ExtentHigh fields.
func (e *Entry) SetRawExtent(raw uint32) error {
	lo, hi, err := geometry.SplitRawExtent(raw)
	if err != nil {
		return err
	}
	e.ExtentLow, e.ExtentHigh = lo, hi
	return nil
}

// HasBlocks returns true if at least one block pointer is not a hole.
func (e *Entry) HasBlocks() bool {
	for _, bp := range e.Blocks {
		if !bp.IsHole() {
			return true
		}
	}
	return false
}

// NewUnusedEntry returns the contents of a directory slot that is
// not in use, as written when formatting a disk.
func NewUnusedEntry() Entry {
	e := Entry{Status: StatusUnused}
	for i := range e.Payload {
		e.Payload[i] = byte(StatusUnused)
	}
	return e
}
