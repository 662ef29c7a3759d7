package geometry

import (
	"sort"

	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Geometry describes the physical layout of an image, as far as it is
// needed to locate the reserved tracks and the data area.
type Geometry struct {
	// Total number of tracks of the image. When zero, the image is
	// made just large enough to hold all blocks.
	Tracks          int
	SectorsPerTrack int
	SectorSizeBytes int
}

// TrackSizeBytes returns the number of bytes stored on a track.
func (g Geometry) TrackSizeBytes() int64 {
	return int64(g.SectorsPerTrack) * int64(g.SectorSizeBytes)
}

// Format binds a DiskParameterBlock to the physical geometry of an
// image and to the directory encoding conventions in use.
type Format struct {
	Name     string
	DPB      *DiskParameterBlock
	Geometry Geometry
	// ISX stores the number of unused instead of used bytes of the
	// last record of a file.
	UnusedByteCount bool
}

// NewFormat validates that a DiskParameterBlock can be stored in an
// image with the provided geometry.
func NewFormat(name string, parameters Parameters, geometry Geometry, unusedByteCount bool) (*Format, error) {
	dpb, err := NewDiskParameterBlock(parameters)
	if err != nil {
		return nil, util.StatusWrapf(err, "Invalid disk parameter block for format %#v", name)
	}
	if geometry.SectorsPerTrack <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Format %#v has %d sectors per track, while at least one is required", name, geometry.SectorsPerTrack)
	}
	if geometry.SectorSizeBytes < RecordSizeBytes || geometry.SectorSizeBytes&(geometry.SectorSizeBytes-1) != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Format %#v has a sector size of %d bytes, which is not a power of two of at least %d bytes", name, geometry.SectorSizeBytes, RecordSizeBytes)
	}
	if geometry.Tracks != 0 {
		if geometry.Tracks < dpb.ReservedTracks() {
			return nil, status.Errorf(codes.InvalidArgument, "Format %#v has %d tracks, while %d tracks are reserved", name, geometry.Tracks, dpb.ReservedTracks())
		}
		capacity := int64(geometry.Tracks-dpb.ReservedTracks()) * geometry.TrackSizeBytes()
		if required := dpb.DataAreaSizeBytes(); required > capacity {
			return nil, status.Errorf(codes.InvalidArgument, "Format %#v requires %d bytes for %d blocks, while only %d bytes are available after the reserved tracks", name, required, dpb.DataBlockCount(), capacity)
		}
	}
	return &Format{
		Name:            name,
		DPB:             dpb,
		Geometry:        geometry,
		UnusedByteCount: unusedByteCount,
	}, nil
}

// ReservedBytes returns the size of the reserved (system) tracks.
func (f *Format) ReservedBytes() int64 {
	return int64(f.DPB.ReservedTracks()) * f.Geometry.TrackSizeBytes()
}

// DirectoryOffset returns the offset of the first directory entry
// within the image.
func (f *Format) DirectoryOffset() int64 {
	return f.ReservedBytes()
}

// BlockOffset returns the offset of a block within the image. Block
// zero is the first block of the directory.
func (f *Format) BlockOffset(block uint16) int64 {
	return f.ReservedBytes() + int64(block)*int64(f.DPB.BlockSizeBytes())
}

// ImageSizeBytes returns the size of an image of this format.
func (f *Format) ImageSizeBytes() int64 {
	trackSizeBytes := f.Geometry.TrackSizeBytes()
	if f.Geometry.Tracks != 0 {
		return int64(f.Geometry.Tracks) * trackSizeBytes
	}
	dataTracks := (f.DPB.DataAreaSizeBytes() + trackSizeBytes - 1) / trackSizeBytes
	return (int64(f.DPB.ReservedTracks()) + dataTracks) * trackSizeBytes
}

type formatDefinition struct {
	parameters Parameters
	geometry   Geometry
}

// Common disk sizes, using the DSM, DRM, OFF, BSH and BLM values found
// in CP/M BIOS implementations. Formats that use 1 KiB blocks on disks
// of more than 256 blocks cannot be constructed, as their directory
// entries would describe less than 16 KiB.
var formatDefinitions = map[string]formatDefinition{
	// 8" single-sided single-density, ~250KB.
	"8-sssd": {Parameters{DSM: 242, DRM: 63, OFF: 2, BSH: 3, BLM: 7}, Geometry{Tracks: 77, SectorsPerTrack: 26, SectorSizeBytes: 128}},
	// 8" double-sided single-density, ~500KB.
	"8-dssd": {Parameters{DSM: 494, DRM: 127, OFF: 2, BSH: 3, BLM: 7}, Geometry{SectorsPerTrack: 26, SectorSizeBytes: 128}},
	// 8" double-sided double-density, ~1MB.
	"8-dsdd": {Parameters{DSM: 988, DRM: 127, OFF: 2, BSH: 3, BLM: 7}, Geometry{SectorsPerTrack: 26, SectorSizeBytes: 256}},
	// 5.25" single-sided double-density, ~180KB.
	"5.25-ssdd": {Parameters{DSM: 242, DRM: 63, OFF: 1, BSH: 3, BLM: 7}, Geometry{SectorsPerTrack: 10, SectorSizeBytes: 512}},
	// 5.25" double-sided double-density, ~360KB.
	"5.25-dsdd": {Parameters{DSM: 488, DRM: 127, OFF: 1, BSH: 3, BLM: 7}, Geometry{SectorsPerTrack: 10, SectorSizeBytes: 512}},
	// 5.25" double-sided double-density, IBM PC, ~720KB.
	"5.25-dsdd-ibm": {Parameters{DSM: 720, DRM: 255, OFF: 2, BSH: 4, BLM: 15}, Geometry{SectorsPerTrack: 9, SectorSizeBytes: 512}},
	// 3.5" double-sided double-density, ~720KB.
	"3.5-dsdd": {Parameters{DSM: 720, DRM: 255, OFF: 2, BSH: 4, BLM: 15}, Geometry{SectorsPerTrack: 9, SectorSizeBytes: 512}},
	// 3.5" double-sided high-density, ~1.44MB.
	"3.5-dshd": {Parameters{DSM: 1440, DRM: 255, OFF: 2, BSH: 4, BLM: 15}, Geometry{SectorsPerTrack: 18, SectorSizeBytes: 512}},
}

// LookupFormat returns one of the built-in disk formats by name.
func LookupFormat(name string) (*Format, error) {
	definition, ok := formatDefinitions[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Unknown disk format %#v", name)
	}
	return NewFormat(name, definition.parameters, definition.geometry, false)
}

// FormatNames returns the names of all built-in disk formats in
// alphabetical order.
func FormatNames() []string {
	names := make([]string, 0, len(formatDefinitions))
	for name := range formatDefinitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
