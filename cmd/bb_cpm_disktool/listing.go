package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/buildbarn/bb-cpmfs/pkg/directory"
	"github.com/buildbarn/bb-cpmfs/pkg/image"
)

func printDiskInfo(w io.Writer, di *image.DiskImage) {
	format := di.Format()
	dpb := format.DPB
	p := dpb.Parameters()
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "Format:\t%s\n", format.Name)
	fmt.Fprintf(tw, "Image size:\t%d bytes\n", format.ImageSizeBytes())
	fmt.Fprintf(tw, "Sectors per track:\t%d\n", format.Geometry.SectorsPerTrack)
	fmt.Fprintf(tw, "Sector size:\t%d bytes\n", format.Geometry.SectorSizeBytes)
	fmt.Fprintf(tw, "Reserved tracks:\t%d (%d bytes)\n", p.OFF, format.ReservedBytes())
	fmt.Fprintf(tw, "Block size:\t%d bytes (BSH %d, BLM %d)\n", dpb.BlockSizeBytes(), p.BSH, p.BLM)
	fmt.Fprintf(tw, "Blocks:\t%d (DSM %d), of which %d hold the directory\n", dpb.DataBlockCount(), p.DSM, dpb.DirectoryBlockCount())
	fmt.Fprintf(tw, "Directory entries:\t%d (DRM %d)\n", dpb.DirectoryEntryCount(), p.DRM)
	fmt.Fprintf(tw, "Block pointers:\t%s\n", dpb.PointerWidth())
	fmt.Fprintf(tw, "Extent mask:\t%d\n", dpb.ExtentMask())
	if format.UnusedByteCount {
		fmt.Fprintf(tw, "Last record byte count:\tunused bytes (ISX)\n")
	} else {
		fmt.Fprintf(tw, "Last record byte count:\tused bytes\n")
	}
	tw.Flush()
}

// printDirectory prints all files in the image, followed by a summary
// of the remaining space. In verbose mode, the directory entries of
// each file are listed as well.
func printDirectory(w io.Writer, di *image.DiskImage, verbose bool) {
	dpb := di.Format().DPB
	blockSizeBytes := int64(dpb.BlockSizeBytes())
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tNAME\tSIZE\tBLOCKS\tENTRIES\tATTRIBUTES")
	files := di.ListFiles()
	for _, fi := range files {
		blocks := 0
		for _, extent := range fi.Extents() {
			for _, bp := range extent.Entry.Blocks {
				if !bp.IsHole() {
					blocks++
				}
			}
		}
		identity := fi.Identity()
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\n", identity.User, identity.Filename, fi.SizeBytes(), blocks, len(fi.Extents()), fi.Attributes())

		if verbose {
			for _, extent := range fi.Extents() {
				var pointers []string
				for _, bp := range extent.Entry.Blocks {
					pointers = append(pointers, bp.String())
				}
				fmt.Fprintf(
					tw,
					"\t  slot %d, extent %d\t%d-%d\tRC %d, BC %d\t\t%s\n",
					extent.Slot,
					extent.Number,
					extent.StartBytes,
					extent.EndBytes,
					extent.Entry.RecordCount,
					extent.Entry.ByteCount,
					strings.Join(pointers, " "))
			}
		}
	}
	tw.Flush()

	freeBlocks := di.FreeBlockCount()
	fmt.Fprintf(
		w,
		"%d files, %d free blocks (%d KiB), %d of %d directory entries free\n",
		len(files),
		freeBlocks,
		int64(freeBlocks)*blockSizeBytes/1024,
		di.FreeDirectoryEntryCount(),
		dpb.DirectoryEntryCount())
}

func printableCharacter(b byte) byte {
	if b&0x7f > 0x20 && b&0x7f < 0x7f {
		return b & 0x7f
	}
	return '.'
}

// printRawDirectory prints the directory entries as hexadecimal bytes.
// Unused entries are only printed in verbose mode.
func printRawDirectory(w io.Writer, di *image.DiskImage, verbose bool) {
	used := 0
	rawDirectory := di.RawDirectory()
	for slot, raw := range rawDirectory {
		if directory.Status(raw[0]) == directory.StatusUnused {
			if !verbose {
				continue
			}
		} else {
			used++
		}
		var hex, text strings.Builder
		for _, b := range raw {
			fmt.Fprintf(&hex, "%02x ", b)
			text.WriteByte(printableCharacter(b))
		}
		fmt.Fprintf(w, "%4d  %s %s\n", slot, hex.String(), text.String())
	}
	fmt.Fprintf(w, "Total entries: %d - Used entries: %d\n", len(rawDirectory), used)
}

// printBlockMap prints a character for every block of the disk: 'D'
// for blocks of the directory, '*' for blocks in use and '.' for free
// blocks.
func printBlockMap(w io.Writer, di *image.DiskImage) {
	const blocksPerLine = 64
	dpb := di.Format().DPB
	for block := 0; block < dpb.DataBlockCount(); block++ {
		if block%blocksPerLine == 0 {
			if block != 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "%04x ", block)
		}
		switch {
		case block < dpb.DirectoryBlockCount():
			fmt.Fprint(w, "D")
		case di.IsBlockAllocated(uint16(block)):
			fmt.Fprint(w, "*")
		default:
			fmt.Fprint(w, ".")
		}
	}
	fmt.Fprintln(w)
}

// printBlock prints the contents of a block, both as hexadecimal bytes
// and as text. The track and sector at which data is stored is printed
// whenever a new sector starts.
func printBlock(w io.Writer, di *image.DiskImage, block uint16) error {
	data, err := di.ReadBlock(block)
	if err != nil {
		return err
	}
	format := di.Format()
	offset := format.BlockOffset(block)
	fmt.Fprintf(w, "Block %d - Offset 0x%08x - Size %d bytes\n", block, offset, len(data))

	const bytesPerLine = 32
	sectorSizeBytes := int64(format.Geometry.SectorSizeBytes)
	trackSizeBytes := format.Geometry.TrackSizeBytes()
	for i := 0; i < len(data); i += bytesPerLine {
		position := offset + int64(i)
		if position%sectorSizeBytes == 0 || i == 0 {
			track, sector := position/trackSizeBytes, position%trackSizeBytes/sectorSizeBytes
			fmt.Fprintf(w, "Track %d Sector %d\n", track, sector)
		}
		var text strings.Builder
		fmt.Fprintf(w, " 0x%08x ::", position)
		for _, b := range data[i : i+bytesPerLine] {
			fmt.Fprintf(w, " %02x", b)
			text.WriteByte(printableCharacter(b))
		}
		fmt.Fprintf(w, "  %s\n", text.String())
	}
	return nil
}
