package geometry

import (
	"bufio"
	"fmt"
	"io"
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/kballard/go-shellquote"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Keys that may be used inside a "def" block, and the largest value
// they may hold.
var diskDefinitionKeys = map[string]uint64{
	"tracks":       0xffff,
	"sectors":      0xffff,
	"bytes_sector": 0xffff,
	"blocksize":    0xffff,
	"bsh":          0xff,
	"blm":          0xff,
	"dsm":          0xffff,
	"drm":          0xffff,
	"off":          0xffff,
	"exm":          0xff,
	"isx":          1,
}

type diskDefinition struct {
	name   string
	line   int
	values map[string]uint64
}

func (d *diskDefinition) require(key string) (uint64, error) {
	if v, ok := d.values[key]; ok {
		return v, nil
	}
	return 0, status.Errorf(codes.InvalidArgument, "Definition %#v lacks required key %#v", d.name, key)
}

func (d *diskDefinition) toFormat() (*Format, error) {
	sectors, err := d.require("sectors")
	if err != nil {
		return nil, err
	}
	bytesPerSector, err := d.require("bytes_sector")
	if err != nil {
		return nil, err
	}
	drm, err := d.require("drm")
	if err != nil {
		return nil, err
	}
	off, err := d.require("off")
	if err != nil {
		return nil, err
	}

	// The block shift may be provided explicitly, or be derived from
	// the block size. If both are provided, they must agree.
	blockSize, hasBlockSize := d.values["blocksize"]
	bsh, hasBSH := d.values["bsh"]
	switch {
	case hasBSH:
		if hasBlockSize && blockSize != RecordSizeBytes<<bsh {
			return nil, status.Errorf(codes.InvalidArgument, "Definition %#v has block size %d, while block shift %d implies %d", d.name, blockSize, bsh, RecordSizeBytes<<bsh)
		}
	case hasBlockSize:
		if blockSize < RecordSizeBytes || bits.OnesCount64(blockSize) != 1 {
			return nil, status.Errorf(codes.InvalidArgument, "Definition %#v has block size %d, which is not a power of two of at least %d", d.name, blockSize, RecordSizeBytes)
		}
		bsh = uint64(bits.TrailingZeros64(blockSize / RecordSizeBytes))
	default:
		return nil, status.Errorf(codes.InvalidArgument, "Definition %#v lacks both \"bsh\" and \"blocksize\"", d.name)
	}
	blm, ok := d.values["blm"]
	if !ok {
		blm = 1<<bsh - 1
	}

	tracks := d.values["tracks"]
	dsm, ok := d.values["dsm"]
	if !ok {
		// Derive the number of blocks from the capacity of the
		// tracks following the reserved tracks.
		if tracks <= off {
			return nil, status.Errorf(codes.InvalidArgument, "Definition %#v lacks \"dsm\" and has no tracks after the %d reserved tracks to derive it from", d.name, off)
		}
		blocks := (tracks - off) * sectors * bytesPerSector / (RecordSizeBytes << bsh)
		if blocks == 0 || blocks > 0x10000 {
			return nil, status.Errorf(codes.InvalidArgument, "Definition %#v has a capacity of %d blocks, which cannot be addressed", d.name, blocks)
		}
		dsm = blocks - 1
	}

	exm, hasEXM := d.values["exm"]
	return NewFormat(
		d.name,
		Parameters{
			DSM:    uint16(dsm),
			DRM:    uint16(drm),
			OFF:    uint16(off),
			BSH:    uint8(bsh),
			BLM:    uint8(blm),
			HasEXM: hasEXM,
			EXM:    uint8(exm),
		},
		Geometry{
			Tracks:          int(tracks),
			SectorsPerTrack: int(sectors),
			SectorSizeBytes: int(bytesPerSector),
		},
		d.values["isx"] != 0)
}

// ParseDiskDefinitions parses a "diskdefs" file, containing one or
// more disk formats of the following shape:
//
//	def 8-sssd
//	   tracks 77
//	   sectors 26
//	   bytes_sector 128
//	   blocksize 1024
//	   drm 63
//	   off 2
//	end
//
// Names may be quoted. Text following a '#' is ignored.
func ParseDiskDefinitions(r io.Reader) (map[string]*Format, error) {
	formats := map[string]*Format{}
	var current *diskDefinition
	scanner := bufio.NewScanner(r)
	for lineNumber := 1; scanner.Scan(); lineNumber++ {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields, err := shellquote.Split(line)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Line %d: %s", lineNumber, err)
		}
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "def":
			if current != nil {
				return nil, status.Errorf(codes.InvalidArgument, "Line %d: Definition %#v is not terminated", lineNumber, current.name)
			}
			if len(fields) != 2 {
				return nil, status.Errorf(codes.InvalidArgument, "Line %d: Expected \"def <name>\"", lineNumber)
			}
			if _, ok := formats[fields[1]]; ok {
				return nil, status.Errorf(codes.InvalidArgument, "Line %d: Definition %#v already exists", lineNumber, fields[1])
			}
			current = &diskDefinition{
				name:   fields[1],
				line:   lineNumber,
				values: map[string]uint64{},
			}
		case "end":
			if current == nil {
				return nil, status.Errorf(codes.InvalidArgument, "Line %d: \"end\" without matching \"def\"", lineNumber)
			}
			format, err := current.toFormat()
			if err != nil {
				return nil, util.StatusWrapf(err, "Line %d", current.line)
			}
			formats[current.name] = format
			current = nil
		default:
			if current == nil {
				return nil, status.Errorf(codes.InvalidArgument, "Line %d: Key %#v outside of a definition", lineNumber, fields[0])
			}
			maximum, ok := diskDefinitionKeys[fields[0]]
			if !ok {
				return nil, status.Errorf(codes.InvalidArgument, "Line %d: Unknown key %#v", lineNumber, fields[0])
			}
			if len(fields) != 2 {
				return nil, status.Errorf(codes.InvalidArgument, "Line %d: Expected \"%s <value>\"", lineNumber, fields[0])
			}
			if _, ok := current.values[fields[0]]; ok {
				return nil, status.Errorf(codes.InvalidArgument, "Line %d: Key %#v is specified multiple times", lineNumber, fields[0])
			}
			v, err := strconv.ParseUint(fields[1], 0, 64)
			if err != nil || v > maximum {
				return nil, status.Errorf(codes.InvalidArgument, "Line %d: Value %#v of key %#v is not an integer in range [0, %d]", lineNumber, fields[1], fields[0], maximum)
			}
			current.values[fields[0]] = v
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to read disk definitions")
	}
	if current != nil {
		return nil, status.Errorf(codes.InvalidArgument, "Line %d: Definition %#v is not terminated", current.line, current.name)
	}
	return formats, nil
}

// WriteDiskDefinitions writes formats in the syntax accepted by
// ParseDiskDefinitions, ordered by name.
func WriteDiskDefinitions(w io.Writer, formats []*Format) error {
	sorted := append([]*Format(nil), formats...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	bw := bufio.NewWriter(w)
	for _, format := range sorted {
		p := format.DPB.Parameters()
		fmt.Fprintf(bw, "def %s\n", shellquote.Join(format.Name))
		if format.Geometry.Tracks != 0 {
			fmt.Fprintf(bw, "   tracks %d\n", format.Geometry.Tracks)
		}
		fmt.Fprintf(bw, "   sectors %d\n", format.Geometry.SectorsPerTrack)
		fmt.Fprintf(bw, "   bytes_sector %d\n", format.Geometry.SectorSizeBytes)
		fmt.Fprintf(bw, "   blocksize %d\n", format.DPB.BlockSizeBytes())
		fmt.Fprintf(bw, "   bsh %d\n", p.BSH)
		fmt.Fprintf(bw, "   blm %d\n", p.BLM)
		fmt.Fprintf(bw, "   dsm %d\n", p.DSM)
		fmt.Fprintf(bw, "   drm %d\n", p.DRM)
		fmt.Fprintf(bw, "   off %d\n", p.OFF)
		if p.HasEXM {
			fmt.Fprintf(bw, "   exm %d\n", p.EXM)
		}
		if format.UnusedByteCount {
			fmt.Fprintf(bw, "   isx 1\n")
		}
		fmt.Fprintf(bw, "end\n\n")
	}
	return bw.Flush()
}
