package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/buildbarn/bb-cpmfs/pkg/directory"
	"github.com/buildbarn/bb-cpmfs/pkg/fileindex"
	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Characters that CP/M does not permit in filenames. They are removed
// from the names of host files.
const forbiddenHostFilenameCharacters = "<>.,;:=?*[] "

func sanitizeFilenameComponent(s string, length int) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x21 || r > 0x7e || strings.ContainsRune(forbiddenHostFilenameCharacters, r) {
			return -1
		}
		return r
	}, s)
	if len(s) > length {
		s = s[:length]
	}
	return s
}

// hostFileIdentity converts the path of a file on the host to the
// identity under which it is stored in the image. Characters that are
// not permitted are dropped, and the name and extension are truncated
// to 8 and 3 characters respectively.
func hostFileIdentity(path string, user uint8) (fileindex.Identity, error) {
	base := filepath.Base(path)
	extension := filepath.Ext(base)
	name := strings.TrimSuffix(base, extension)
	filename, err := directory.NewFilename(
		sanitizeFilenameComponent(name, directory.NameLength),
		sanitizeFilenameComponent(strings.TrimPrefix(extension, "."), directory.ExtensionLength))
	if err != nil {
		return fileindex.Identity{}, util.StatusWrapf(err, "Cannot store file %#v", path)
	}
	return fileindex.Identity{User: user, Filename: filename}, nil
}

// listHostDirectory returns the paths of all regular files in a
// directory on the host, sorted by name. Hidden files are skipped.
func listHostDirectory(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to read directory %#v", path)
	}
	var paths []string
	for _, entry := range entries {
		if name := entry.Name(); !strings.HasPrefix(name, ".") && entry.Type().IsRegular() {
			paths = append(paths, filepath.Join(path, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// hostFile is a file on the host that is about to be stored in the
// image.
type hostFile struct {
	path     string
	identity fileindex.Identity
	data     []byte
}

// readHostFiles loads the contents of files on the host. Files are read
// in parallel, while the results are returned in the original order,
// so that the layout of the resulting image is deterministic.
func readHostFiles(ctx context.Context, paths []string, user uint8, readSemaphore *semaphore.Weighted) ([]hostFile, error) {
	files := make([]hostFile, len(paths))
	seen := map[fileindex.Identity]string{}
	for i, path := range paths {
		identity, err := hostFileIdentity(path, user)
		if err != nil {
			return nil, err
		}
		if otherPath, ok := seen[identity]; ok {
			return nil, status.Errorf(codes.InvalidArgument, "Files %#v and %#v would both be stored as %s", otherPath, path, identity)
		}
		seen[identity] = path
		files[i] = hostFile{path: path, identity: identity}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := range files {
		if groupCtx.Err() != nil || readSemaphore.Acquire(groupCtx, 1) != nil {
			break
		}
		file := &files[i]
		group.Go(func() error {
			defer readSemaphore.Release(1)
			data, err := os.ReadFile(file.path)
			if err != nil {
				return util.StatusWrapf(err, "Failed to read file %#v", file.path)
			}
			file.data = data
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, util.StatusFromContext(ctx)
	}
	return files, nil
}
