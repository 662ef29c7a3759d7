package main

import (
	"context"
	"io"
	"log"
	"os"
	"runtime"
	"strconv"

	"github.com/buildbarn/bb-cpmfs/pkg/allocation"
	"github.com/buildbarn/bb-cpmfs/pkg/directory"
	"github.com/buildbarn/bb-cpmfs/pkg/fileindex"
	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-cpmfs/pkg/image"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/program"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/pflag"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// bb_cpm_disktool creates and modifies CP/M disk images. Files can be
// copied from the host into an image and back, and the directory and
// block layout of an image can be inspected.
//
// All modifications are applied to an in-memory copy of the image. The
// image file is only overwritten once all of them have succeeded.

func main() {
	diskType := pflag.StringP("type", "t", "", "Type of disk, either a built-in format or one listed in --diskdefs")
	diskDefinitionsPath := pflag.String("diskdefs", "", "File containing additional disk definitions")
	imagePath := pflag.StringP("img", "i", "", "Image file. With --format, the image is created")
	format := pflag.BoolP("format", "f", false, "Create an empty image, overwriting any existing file")
	directories := pflag.StringArrayP("dir", "d", nil, "Directory with files to add")
	addPaths := pflag.StringArrayP("add", "a", nil, "File to add")
	extractPaths := pflag.StringArrayP("extract", "e", nil, "File to extract. It is written to the same path on the host")
	deleteNames := pflag.StringArray("delete", nil, "File to delete")
	user := pflag.Uint8P("user", "u", 0, "User number of files to add, extract or delete")
	attributesFlag := pflag.String("attributes", "", "Comma separated attributes of files to add (e.g., \"read_only,system\")")
	systemPath := pflag.String("putsys", "", "File to store in the reserved tracks, such as a boot loader")
	show := pflag.BoolP("show", "s", false, "Show directory")
	raw := pflag.Bool("raw", false, "Show raw directory entries")
	showMap := pflag.Bool("map", false, "Show which blocks are in use")
	dump := pflag.String("dump", "", "Dump a block (hexadecimal block number)")
	check := pflag.Bool("check", false, "Validate the consistency of the directory")
	maximumBlocks := pflag.Int64("max-blocks", 0, "Maximum number of blocks to allocate, zero for unlimited")
	jobs := pflag.IntP("jobs", "j", runtime.NumCPU(), "Number of host files to read in parallel")
	printDiskDefinitions := pflag.Bool("print-diskdefs", false, "Print all known disk formats in diskdefs syntax")
	printMetrics := pflag.Bool("metrics", false, "Print allocation metrics in Prometheus text format")
	verbose := pflag.BoolP("verbose", "v", false, "Verbose output")
	pflag.Parse()

	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		if pflag.NArg() != 0 {
			return status.Errorf(codes.InvalidArgument, "Unexpected argument %#v", pflag.Arg(0))
		}
		if *jobs < 1 {
			return status.Errorf(codes.InvalidArgument, "Number of jobs must be at least 1, not %d", *jobs)
		}
		if directory.Status(*user) > directory.MaximumUser {
			return status.Errorf(codes.InvalidArgument, "User number %d exceeds the maximum of %d", *user, directory.MaximumUser)
		}
		attributes, err := directory.ParseAttributes(*attributesFlag)
		if err != nil {
			return util.StatusWrap(err, "Invalid attributes")
		}

		formats, err := loadFormats(*diskDefinitionsPath)
		if err != nil {
			return err
		}
		if *printDiskDefinitions {
			if err := printFormats(os.Stdout, formats); err != nil {
				return util.StatusWrap(err, "Failed to print disk definitions")
			}
			if *imagePath == "" {
				return nil
			}
		}

		if *diskType == "" || *imagePath == "" {
			return status.Error(codes.InvalidArgument, "Both --type and --img must be provided")
		}
		diskFormat, ok := formats[*diskType]
		if !ok {
			if _, err := geometry.LookupFormat(*diskType); err != nil && status.Code(err) != codes.NotFound {
				return util.StatusWrapf(err, "Disk format %#v cannot be used", *diskType)
			}
			return status.Errorf(codes.NotFound, "Unknown disk format %#v", *diskType)
		}

		modifying := *format || len(*directories) > 0 || len(*addPaths) > 0 || len(*deleteNames) > 0 || *systemPath != ""
		f, err := openImage(*imagePath, *format, modifying)
		if err != nil {
			return err
		}
		defer f.Close()

		allocatorFactory := func(base allocation.BlockAllocator) allocation.BlockAllocator {
			ba := allocation.NewMetricsBlockAllocator(base, clock.SystemClock)
			if *maximumBlocks > 0 {
				ba = allocation.NewQuotaEnforcingBlockAllocator(ba, *maximumBlocks)
			}
			return ba
		}
		var di *image.DiskImage
		if *format {
			log.Printf("Creating disk image %s of type %s", *imagePath, *diskType)
			di = image.New(diskFormat, util.DefaultErrorLogger, allocatorFactory)
		} else {
			di, err = image.Load(diskFormat, f, util.DefaultErrorLogger, allocatorFactory)
			if err != nil {
				return util.StatusWrapf(err, "Failed to load image %#v", *imagePath)
			}
		}

		if *verbose {
			printDiskInfo(os.Stdout, di)
		}

		if *systemPath != "" {
			data, err := os.ReadFile(*systemPath)
			if err != nil {
				return util.StatusWrapf(err, "Failed to read system image %#v", *systemPath)
			}
			if err := di.WriteSystemTracks(data); err != nil {
				return err
			}
			log.Printf("Stored %s in the reserved tracks (%d bytes)", *systemPath, len(data))
		}

		// Adding files.
		var paths []string
		for _, d := range *directories {
			log.Printf("Adding files from directory %s", d)
			directoryPaths, err := listHostDirectory(d)
			if err != nil {
				return err
			}
			paths = append(paths, directoryPaths...)
		}
		paths = append(paths, *addPaths...)
		if len(paths) > 0 {
			files, err := readHostFiles(ctx, paths, *user, semaphore.NewWeighted(int64(*jobs)))
			if err != nil {
				return err
			}
			for _, file := range files {
				log.Printf("Adding %s as %s (%d bytes)", file.path, file.identity, len(file.data))
				if err := storeFile(di, file.identity, attributes, file.data); err != nil {
					return err
				}
			}
		}

		// Extracting files.
		for _, path := range *extractPaths {
			identity, err := hostFileIdentity(path, *user)
			if err != nil {
				return err
			}
			n, err := extractFile(di, identity, path)
			if err != nil {
				return err
			}
			log.Printf("Extracted %s to %s (%d bytes)", identity, path, n)
		}

		// Deleting files.
		for _, name := range *deleteNames {
			identity, err := hostFileIdentity(name, *user)
			if err != nil {
				return err
			}
			if err := di.Delete(identity); err != nil {
				return err
			}
			log.Printf("Deleted %s", identity)
		}

		if modifying {
			if *format {
				// Discard any data of a previous image that
				// is larger than the new one.
				if err := f.Truncate(0); err != nil {
					return util.StatusWrapf(err, "Failed to truncate image %#v", *imagePath)
				}
			}
			if err := di.Save(f); err != nil {
				return util.StatusWrapf(err, "Failed to save image %#v", *imagePath)
			}
		}

		if *check {
			if err := di.CheckConsistency(); err != nil {
				return util.StatusWrap(err, "Consistency check failed")
			}
			log.Print("Directory is consistent")
		}
		if *show || modifying || len(*extractPaths) > 0 {
			printDirectory(os.Stdout, di, *verbose)
		}
		if *raw {
			printRawDirectory(os.Stdout, di, *verbose)
		}
		if *showMap {
			printBlockMap(os.Stdout, di)
		}
		if *dump != "" {
			block, err := strconv.ParseUint(*dump, 16, 16)
			if err != nil {
				return status.Errorf(codes.InvalidArgument, "Invalid block number %#v", *dump)
			}
			if err := printBlock(os.Stdout, di, uint16(block)); err != nil {
				return err
			}
		}
		if *printMetrics {
			if err := writeMetrics(os.Stdout); err != nil {
				return util.StatusWrap(err, "Failed to print metrics")
			}
		}
		return nil
	})
}

// loadFormats returns all built-in disk formats, extended with the ones
// contained in a diskdefs file. Built-in formats whose parameters
// cannot be represented in a directory entry are omitted.
func loadFormats(diskDefinitionsPath string) (map[string]*geometry.Format, error) {
	formats := map[string]*geometry.Format{}
	for _, name := range geometry.FormatNames() {
		format, err := geometry.LookupFormat(name)
		if err != nil {
			if status.Code(err) == codes.InvalidArgument {
				continue
			}
			return nil, util.StatusWrapfWithCode(err, codes.Internal, "Invalid built-in format %#v", name)
		}
		formats[name] = format
	}
	if diskDefinitionsPath == "" {
		return formats, nil
	}

	f, err := os.Open(diskDefinitionsPath)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to open disk definitions %#v", diskDefinitionsPath)
	}
	defer f.Close()
	definitions, err := geometry.ParseDiskDefinitions(f)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to parse disk definitions %#v", diskDefinitionsPath)
	}
	for name, format := range definitions {
		formats[name] = format
	}
	return formats, nil
}

func printFormats(w io.Writer, formats map[string]*geometry.Format) error {
	list := make([]*geometry.Format, 0, len(formats))
	for _, format := range formats {
		list = append(list, format)
	}
	return geometry.WriteDiskDefinitions(w, list)
}

func openImage(path string, create, modifying bool) (*os.File, error) {
	var f *os.File
	var err error
	switch {
	case create:
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	case modifying:
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	default:
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to open image %#v", path)
	}
	if err := lockImage(f, modifying); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// storeFile stores the contents of a file in the image. Existing files
// with the same name are replaced.
func storeFile(di *image.DiskImage, identity fileindex.Identity, attributes directory.Attributes, data []byte) error {
	err := di.CreateFile(identity, attributes)
	if status.Code(err) == codes.AlreadyExists {
		if err := di.Delete(identity); err != nil {
			return err
		}
		err = di.CreateFile(identity, attributes)
	}
	if err != nil {
		return err
	}
	return di.Append(identity, data)
}

// extractFile copies a file from the image to the host. Files
// containing holes are only extracted up to the first hole.
func extractFile(di *image.DiskImage, identity fileindex.Identity, path string) (int, error) {
	fi, err := di.OpenFile(identity)
	if err != nil {
		return 0, err
	}
	data := make([]byte, fi.SizeBytes())
	n, err := fi.ReadAt(data, 0)
	if err != nil && err != io.EOF {
		return 0, util.StatusWrapf(err, "Failed to read file %s", identity)
	}
	if int64(n) < fi.SizeBytes() {
		log.Printf("File %s has a hole at offset %d, while its size is %d bytes", identity, n, fi.SizeBytes())
	}
	if err := os.WriteFile(path, data[:n], 0o666); err != nil {
		return 0, util.StatusWrapf(err, "Failed to write file %#v", path)
	}
	return n, nil
}

func writeMetrics(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return err
		}
	}
	return nil
}
