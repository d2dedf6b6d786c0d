package ext2

import (
	"fmt"

	"github.com/extfs/go-extfs/backend/file"
)

// OpenImage mount an existing filesystem stored in the regular file or
// block device at path, sizing the filesystem area to everything the
// backend reports. Should pass a path to a block device, e.g.
// /dev/sda, or a path to an image file, e.g. /tmp/foo.img; the path
// must already exist.
func OpenImage(path string, opts *Options) (*FileSystem, error) {
	readOnly := opts != nil && opts.ReadOnly
	b, err := file.OpenFromPath(path, readOnly)
	if err != nil {
		return nil, fmt.Errorf("could not open image %s: %w", path, err)
	}
	fsys, err := Read(b, 0, 0, opts)
	if err != nil {
		b.Close()
		return nil, err
	}
	return fsys, nil
}

// CreateImage format a new filesystem of size bytes into a freshly
// created file at path and mount it. The path must not already exist.
func CreateImage(path string, size int64, p *Params) (*FileSystem, error) {
	b, err := file.CreateFromPath(path, size)
	if err != nil {
		return nil, fmt.Errorf("could not create image %s: %w", path, err)
	}
	fsys, err := Create(b, size, 0, p)
	if err != nil {
		b.Close()
		return nil, err
	}
	return fsys, nil
}
