package image

import (
	"io"

	"github.com/buildbarn/bb-cpmfs/pkg/geometry"
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Load the contents of a disk image from a block device. The block
// device must be at least as large as the image size of the format.
func Load(format *geometry.Format, bd blockdevice.BlockDevice, errorLogger util.ErrorLogger, allocatorFactory BlockAllocatorFactory) (*DiskImage, error) {
	contents := make([]byte, format.ImageSizeBytes())
	n, err := bd.ReadAt(contents, 0)
	if err == io.EOF {
		if n < len(contents) {
			return nil, status.Errorf(codes.InvalidArgument, "Image is %d bytes in size, while format %#v requires %d bytes", n, format.Name, len(contents))
		}
	} else if err != nil {
		return nil, util.StatusWrap(err, "Failed to read image")
	}
	return NewFromBytes(format, contents, errorLogger, allocatorFactory)
}

// Save the contents of a disk image to a block device, and wait for
// the data to be persisted.
func (di *DiskImage) Save(bd blockdevice.BlockDevice) error {
	di.lock.Lock()
	defer di.lock.Unlock()

	if _, err := bd.WriteAt(di.contents, 0); err != nil {
		return util.StatusWrap(err, "Failed to write image")
	}
	if err := bd.Sync(); err != nil {
		return util.StatusWrap(err, "Failed to synchronize image")
	}
	return nil
}
