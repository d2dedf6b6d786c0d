// Package ext2 implements a second-extended-style filesystem with a
// writable directory layer: lookup with per-directory scan rotation,
// entry insertion under four slot strategies, removal, entry rewrite,
// and a streaming directory reader. The filesystem occupies a single
// block group: superblock, block bitmap, inode bitmap, inode table,
// then data blocks.
package ext2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/extfs/go-extfs/backend"
	"github.com/extfs/go-extfs/filesystem"
	"github.com/extfs/go-extfs/util/bitmap"
)

const (
	// DefaultVolumeLabel the label for a newly created filesystem when
	// none is given
	DefaultVolumeLabel = "extfs_ext2"

	defaultBlockSize  uint32 = 1024
	defaultInodeRatio int64  = 8192
	minInodeCount     uint32 = 16

	// fixed inodes
	rootInodeNum          uint32 = 2
	firstNonReservedInode uint32 = 11 // traditional
)

var (
	ErrNameTooLong      = errors.New("file name too long")
	ErrInvalidName      = errors.New("invalid file name")
	ErrNotFound         = errors.New("no such file or directory")
	ErrWouldEscape      = errors.New("lookup escapes the filesystem root")
	ErrNoSpace          = errors.New("no space left on device")
	ErrCorruptDirectory = errors.New("corrupt directory")
	ErrNotDirectory     = errors.New("not a directory")
	ErrIsDirectory      = errors.New("is a directory")
	ErrExists           = errors.New("file exists")
	ErrNotEmpty         = errors.New("directory not empty")
)

func logger() *logrus.Entry {
	return logrus.WithField("fs", "ext2")
}

// FileSystem implements the filesystem.FileSystem interface
type FileSystem struct {
	superblock  *superblock
	backend     backend.Storage
	start       int64
	size        int64
	blockBitmap *bitmap.Bitmap
	inodeBitmap *bitmap.Bitmap
	icache      *inodeCache
	clock       timeutil.Clock
	readOnly    bool
	synchronous bool
	metaMu      sync.Mutex
	metaDirty   bool
}

// Options mount-time behavior for Read
type Options struct {
	// ReadOnly refuse all mutation
	ReadOnly bool
	// Synchronous flush a directory's metadata at the end of each lookup
	// and emptiness check; otherwise a pending access-time update waits
	// for the directory's next metadata write
	Synchronous bool
	// Clock source for atime/mtime/ctime updates; wall clock if nil
	Clock timeutil.Clock
}

// Params parameters for creating a new filesystem with Create
type Params struct {
	UUID        *uuid.UUID
	BlockSize   uint32
	InodeCount  uint32
	VolumeLabel string
	Clock       timeutil.Clock
}

// Read mount an existing filesystem from b, whose filesystem area is
// size bytes starting at offset start. A size of 0 or less means "use
// everything the backend reports from start to its end", queried via
// b.Size().
func Read(b backend.Storage, size, start int64, opts *Options) (*FileSystem, error) {
	if opts == nil {
		opts = &Options{}
	}
	if size <= 0 {
		total, err := b.Size()
		if err != nil {
			return nil, fmt.Errorf("could not determine backend size: %w", err)
		}
		size = total - start
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	sbBytes := make([]byte, superblockSize)
	if _, err := b.ReadAt(sbBytes, start+superblockOffset); err != nil {
		return nil, fmt.Errorf("could not read superblock: %w", err)
	}
	sb, err := superblockFromBytes(sbBytes)
	if err != nil {
		return nil, err
	}

	fsys := &FileSystem{
		superblock:  sb,
		backend:     b,
		start:       start,
		size:        size,
		icache:      newInodeCache(),
		clock:       clock,
		readOnly:    opts.ReadOnly,
		synchronous: opts.Synchronous,
	}
	if err := fsys.readBitmaps(); err != nil {
		return nil, err
	}

	if !fsys.readOnly {
		sb.mountCount++
		sb.mountTime = clock.Now()
		fsys.metaDirty = true
		if err := fsys.flushMetadata(true); err != nil {
			return nil, err
		}
	}

	logger().WithFields(logrus.Fields{
		"uuid":   sb.uuid.String(),
		"blocks": sb.blockCount,
		"label":  sb.volumeLabel,
	}).Debug("mounted filesystem")

	return fsys, nil
}

// Create initialize a new filesystem on b, formatting size bytes
// starting at offset start, and mount it. A size of 0 or less means
// "format everything the backend reports from start to its end",
// queried via b.Size().
func Create(b backend.Storage, size, start int64, p *Params) (*FileSystem, error) {
	if size <= 0 {
		total, err := b.Size()
		if err != nil {
			return nil, fmt.Errorf("could not determine backend size: %w", err)
		}
		size = total - start
	}
	if p == nil {
		p = &Params{}
	}
	blockSize := p.BlockSize
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	if _, err := blockSizeToLog(blockSize); err != nil {
		return nil, err
	}
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	bs := int64(blockSize)
	blockCount := size / bs
	// the single block group's bitmap occupies one block
	if blockCount > bs*8 {
		blockCount = bs * 8
	}
	if blockCount < 8 {
		return nil, fmt.Errorf("%d bytes is too small for a filesystem with %d byte blocks", size, blockSize)
	}

	inodeCount := p.InodeCount
	if inodeCount == 0 {
		inodeCount = uint32(size / defaultInodeRatio)
	}
	if inodeCount < minInodeCount {
		inodeCount = minInodeCount
	}

	fsUUID := p.UUID
	if fsUUID == nil {
		u := uuid.New()
		fsUUID = &u
	}
	label := p.VolumeLabel
	if label == "" {
		label = DefaultVolumeLabel
	}

	var firstDataBlock uint32
	if blockSize == 1024 {
		firstDataBlock = 1
	}

	sb := &superblock{
		inodeCount:      inodeCount,
		blockCount:      uint32(blockCount),
		firstDataBlock:  firstDataBlock,
		blockSize:       blockSize,
		filesystemState: fsStateClean,
		uuid:            fsUUID,
		volumeLabel:     label,
		mountTime:       clock.Now(),
		writeTime:       clock.Now(),
	}

	fsys := &FileSystem{
		superblock: sb,
		backend:    b,
		start:      start,
		size:       size,
		icache:     newInodeCache(),
		clock:      clock,
	}

	// every block up to the first allocatable one is metadata
	fsys.blockBitmap = bitmap.NewBits(int(blockCount))
	for i := int64(0); i < fsys.firstAllocatableBlock(); i++ {
		if err := fsys.blockBitmap.Set(int(i)); err != nil {
			return nil, err
		}
	}
	fsys.inodeBitmap = bitmap.NewBits(int(inodeCount))
	// the reserved inodes, root among them, are always in use
	for i := uint32(0); i < firstNonReservedInode-1; i++ {
		if err := fsys.inodeBitmap.Set(int(i)); err != nil {
			return nil, err
		}
	}
	sb.freeBlocks = uint32(fsys.blockBitmap.CountFree())
	sb.freeInodes = uint32(fsys.inodeBitmap.CountFree())

	// zero the inode table
	zero := make([]byte, int64(inodeCount)*inodeSize)
	writable, err := b.Writable()
	if err != nil {
		return nil, err
	}
	if _, err := writable.WriteAt(zero, start+fsys.inodeTableBlock()*bs); err != nil {
		return nil, fmt.Errorf("could not clear inode table: %w", err)
	}

	// the root directory: one block holding "." and ".."
	now := clock.Now()
	root := &Node{
		fs:         fsys,
		inum:       rootInodeNum,
		mode:       uint16(fileTypeDirectory) | 0o755,
		linkCount:  2, // "." and "..", both naming the root itself
		accessTime: now,
		changeTime: now,
		modifyTime: now,
		dir:        &dirCache{},
	}
	root.mu = newNodeMutex(root)
	if err := fsys.grow(root, bs); err != nil {
		return nil, err
	}
	if err := fsys.writeInitialDirBlock(root, root); err != nil {
		return nil, err
	}
	if err := fsys.writeInode(rootInodeNum, root.toInode()); err != nil {
		return nil, err
	}
	fsys.icache.nodes[rootInodeNum] = root

	fsys.metaDirty = true
	if err := fsys.flushMetadata(true); err != nil {
		return nil, err
	}

	logger().WithFields(logrus.Fields{
		"uuid":   sb.uuid.String(),
		"blocks": sb.blockCount,
		"inodes": sb.inodeCount,
	}).Debug("created filesystem")

	return fsys, nil
}

// geometry

// blocksFor the number of blocks needed to hold size bytes
func (fsys *FileSystem) blocksFor(size int64) int64 {
	bs := int64(fsys.superblock.blockSize)
	return (size + bs - 1) / bs
}

func (fsys *FileSystem) blockBitmapBlock() int64 {
	return int64(fsys.superblock.firstDataBlock) + 1
}

func (fsys *FileSystem) inodeBitmapBlock() int64 {
	return fsys.blockBitmapBlock() + 1
}

func (fsys *FileSystem) inodeTableBlock() int64 {
	return fsys.inodeBitmapBlock() + 1
}

func (fsys *FileSystem) firstAllocatableBlock() int64 {
	tableBlocks := (int64(fsys.superblock.inodeCount)*inodeSize + int64(fsys.superblock.blockSize) - 1) /
		int64(fsys.superblock.blockSize)
	return fsys.inodeTableBlock() + tableBlocks
}

// Type returns the type of filesystem
func (fsys *FileSystem) Type() filesystem.Type {
	return filesystem.TypeExt2
}

// Label the volume label, or "" if none
func (fsys *FileSystem) Label() string {
	if fsys.superblock == nil {
		return ""
	}
	return fsys.superblock.volumeLabel
}

// SetLabel change the volume label
func (fsys *FileSystem) SetLabel(label string) error {
	if fsys.readOnly {
		return filesystem.ErrReadonlyFilesystem
	}
	if len(label) > volumeNameLength {
		return fmt.Errorf("label %q longer than %d bytes", label, volumeNameLength)
	}
	fsys.metaMu.Lock()
	fsys.superblock.volumeLabel = label
	fsys.metaDirty = true
	fsys.metaMu.Unlock()
	return fsys.flushMetadata(true)
}

// resolve walk pathname from the root, returning the final node
// referenced and locked
func (fsys *FileSystem) resolve(pathname string) (*Node, error) {
	np, err := fsys.CachedLookup(rootInodeNum)
	if err != nil {
		return nil, err
	}
	for _, part := range strings.Split(path.Clean(pathname), "/") {
		if part == "" || part == "." {
			continue
		}
		child, err := fsys.Lookup(np, part, OpLookup, nil)
		if errors.Is(err, ErrWouldEscape) {
			// ".." at the root stays at the root
			continue
		}
		if err != nil {
			fsys.Nput(np)
			return nil, fmt.Errorf("%s: %w", pathname, err)
		}
		fsys.Nput(np)
		np = child
	}
	return np, nil
}

// splitPath the directory and final component of a path
func splitPath(pathname string) (dir, name string) {
	cleaned := path.Clean(pathname)
	return path.Dir(cleaned), path.Base(cleaned)
}

// ReadDir read the contents of a directory
func (fsys *FileSystem) ReadDir(pathname string) ([]os.FileInfo, error) {
	dp, err := fsys.resolve(pathname)
	if err != nil {
		return nil, err
	}
	defer fsys.Nput(dp)

	if !dp.IsDir() {
		return nil, fmt.Errorf("%s: %w", pathname, ErrNotDirectory)
	}

	data, count, err := fsys.GetDirects(dp, 0, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pathname, err)
	}

	infos := make([]os.FileInfo, 0, count)
	for _, rec := range parseDirects(data) {
		in, err := fsys.readInode(rec.inum)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", pathname, rec.name, err)
		}
		infos = append(infos, &fileInfo{
			name:    rec.name,
			size:    int64(in.size),
			mode:    fileModeFromInode(in.mode),
			modTime: in.modifyTime,
			isDir:   in.isDirectory(),
		})
	}
	return infos, nil
}

// OpenFile open a handle to read a file. Writing through the handle is
// not supported yet.
func (fsys *FileSystem) OpenFile(pathname string, flag int) (filesystem.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, filesystem.ErrNotSupported
	}
	np, err := fsys.resolve(pathname)
	if err != nil {
		return nil, err
	}
	if np.IsDir() {
		fsys.Nput(np)
		return nil, fmt.Errorf("%s: %w", pathname, ErrIsDirectory)
	}
	// keep the reference for the file handle, but not the lock
	np.Unlock()
	return &File{fs: fsys, np: np, name: pathname}, nil
}

// Mkdir make a directory
func (fsys *FileSystem) Mkdir(pathname string) error {
	if fsys.readOnly {
		return filesystem.ErrReadonlyFilesystem
	}
	dir, name := splitPath(pathname)
	if name == "/" || name == "." || name == ".." {
		return fmt.Errorf("%s: %w", pathname, ErrInvalidName)
	}

	dp, err := fsys.resolve(dir)
	if err != nil {
		return err
	}
	defer fsys.Nput(dp)

	var ds Dirstat
	np, err := fsys.Lookup(dp, name, OpCreate, &ds)
	if err == nil {
		fsys.Nput(np)
		return fmt.Errorf("%s: %w", pathname, ErrExists)
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", pathname, err)
	}

	child, err := fsys.newDirectoryNode(dp)
	if err != nil {
		_ = fsys.DropDirstat(dp, &ds)
		return fmt.Errorf("%s: %w", pathname, err)
	}

	if err := fsys.Direnter(dp, name, child, &ds); err != nil {
		child.linkCount = 0
		fsys.Nput(child)
		return fmt.Errorf("%s: %w", pathname, err)
	}

	// the child's ".." entry
	dp.linkCount++
	dp.dirty = true
	if err := fsys.nodeUpdate(dp, true); err != nil {
		fsys.Nput(child)
		return err
	}
	fsys.Nput(child)
	return nil
}

// newDirectoryNode allocate and initialize a directory inode whose ".."
// names dp. Returns the new node referenced and locked.
func (fsys *FileSystem) newDirectoryNode(dp *Node) (*Node, error) {
	inum, err := fsys.allocInode()
	if err != nil {
		return nil, err
	}

	now := fsys.clock.Now()
	child := &Node{
		fs:         fsys,
		inum:       inum,
		mode:       uint16(fileTypeDirectory) | 0o755,
		linkCount:  2, // "." and the parent's entry
		accessTime: now,
		changeTime: now,
		modifyTime: now,
		dir:        &dirCache{},
	}
	child.mu = newNodeMutex(child)

	bs := int64(fsys.superblock.blockSize)
	if err := fsys.grow(child, bs); err != nil {
		_ = fsys.freeInode(inum)
		return nil, err
	}
	if err := fsys.writeInitialDirBlock(child, dp); err != nil {
		return nil, err
	}
	if err := fsys.writeInode(inum, child.toInode()); err != nil {
		return nil, err
	}

	fsys.icache.mu.Lock()
	child.refs = 1
	fsys.icache.nodes[inum] = child
	fsys.icache.mu.Unlock()

	child.Lock()
	return child, nil
}

// writeInitialDirBlock fill a fresh directory's first block with "."
// and ".." and prime its entry count cache
func (fsys *FileSystem) writeInitialDirBlock(child, parent *Node) error {
	bs := int(fsys.superblock.blockSize)
	block := make([]byte, bs)

	dotLen := minRecLen(1)
	direntSetInode(block, 0, child.inum)
	direntSetRecLen(block, 0, dotLen)
	direntSetName(block, 0, ".")

	direntSetInode(block, dotLen, parent.inum)
	direntSetRecLen(block, dotLen, bs-dotLen)
	direntSetName(block, dotLen, "..")

	child.size = int64(bs)
	child.dirty = true
	if err := fsys.nodeRdwr(child, block, 0, true); err != nil {
		return err
	}
	child.dir.counts = []int{2}
	return nil
}

// Remove removes the named file or (empty) directory
func (fsys *FileSystem) Remove(pathname string) error {
	if fsys.readOnly {
		return filesystem.ErrReadonlyFilesystem
	}
	dir, name := splitPath(pathname)
	if name == "/" || name == "." || name == ".." {
		return fmt.Errorf("%s: %w", pathname, ErrInvalidName)
	}

	dp, err := fsys.resolve(dir)
	if err != nil {
		return err
	}
	defer fsys.Nput(dp)

	var ds Dirstat
	np, err := fsys.Lookup(dp, name, OpRemove, &ds)
	if err != nil {
		return fmt.Errorf("%s: %w", pathname, err)
	}

	if np.IsDir() {
		empty, err := fsys.Dirempty(np)
		if err != nil {
			_ = fsys.DropDirstat(dp, &ds)
			fsys.Nput(np)
			return fmt.Errorf("%s: %w", pathname, err)
		}
		if !empty {
			_ = fsys.DropDirstat(dp, &ds)
			fsys.Nput(np)
			return fmt.Errorf("%s: %w", pathname, ErrNotEmpty)
		}
	}

	if err := fsys.Dirremove(dp, &ds); err != nil {
		fsys.Nput(np)
		return fmt.Errorf("%s: %w", pathname, err)
	}

	if np.IsDir() {
		// the directory's "." and its entry both go away
		np.linkCount = 0
		dp.linkCount--
		dp.dirty = true
		if err := fsys.nodeUpdate(dp, true); err != nil {
			fsys.Nput(np)
			return err
		}
	} else {
		np.linkCount--
	}
	np.setCtime = true
	if err := fsys.nodeUpdate(np, true); err != nil {
		fsys.Nput(np)
		return err
	}

	fsys.Nput(np)
	return nil
}

// Rename renames (moves) oldpath to newpath. If newpath already exists
// and is not a directory, Rename replaces it.
func (fsys *FileSystem) Rename(oldpath, newpath string) error {
	if fsys.readOnly {
		return filesystem.ErrReadonlyFilesystem
	}
	oldDir, oldName := splitPath(oldpath)
	newDir, newName := splitPath(newpath)
	if oldName == "/" || oldName == "." || oldName == ".." {
		return fmt.Errorf("%s: %w", oldpath, ErrInvalidName)
	}
	if newName == "/" || newName == "." || newName == ".." {
		return fmt.Errorf("%s: %w", newpath, ErrInvalidName)
	}
	sameDir := path.Clean(oldDir) == path.Clean(newDir)

	// take a reference to the node being moved
	op, err := fsys.resolve(oldDir)
	if err != nil {
		return err
	}
	np, err := fsys.Lookup(op, oldName, OpLookup, nil)
	if err != nil {
		fsys.Nput(op)
		return fmt.Errorf("%s: %w", oldpath, err)
	}
	isDir := np.IsDir()
	np.Unlock() // keep the reference

	// link it under the new name
	npnt := op
	if !sameDir {
		op.Unlock() // keep the reference
		npnt, err = fsys.resolve(newDir)
		if err != nil {
			fsys.Nrele(np)
			fsys.Nrele(op)
			return err
		}
	}

	var ds Dirstat
	existing, err := fsys.Lookup(npnt, newName, OpRename, &ds)
	switch {
	case err == nil:
		// the new name exists; rewrite its entry in place
		if existing.IsDir() {
			_ = fsys.DropDirstat(npnt, &ds)
			fsys.Nput(existing)
			err = fmt.Errorf("%s: %w", newpath, ErrIsDirectory)
			break
		}
		if err = fsys.Dirrewrite(npnt, np, &ds); err != nil {
			fsys.Nput(existing)
			break
		}
		existing.linkCount--
		existing.setCtime = true
		if err = fsys.nodeUpdate(existing, true); err != nil {
			fsys.Nput(existing)
			break
		}
		fsys.Nput(existing)
	case errors.Is(err, ErrNotFound):
		err = fsys.Direnter(npnt, newName, np, &ds)
	}
	if err == nil && isDir && !sameDir {
		npnt.linkCount++
		npnt.dirty = true
		err = fsys.nodeUpdate(npnt, true)
	}
	if err != nil {
		if !sameDir {
			fsys.Nput(npnt)
			op.Lock()
		}
		fsys.Nput(op)
		fsys.Nrele(np)
		return fmt.Errorf("rename %s to %s: %w", oldpath, newpath, err)
	}

	// remove the old entry
	if !sameDir {
		npnt.Unlock() // keep the reference until the dotdot rewrite
		op.Lock()
	}
	var ds2 Dirstat
	np2, err := fsys.Lookup(op, oldName, OpRemove, &ds2)
	if err == nil {
		err = fsys.Dirremove(op, &ds2)
		if err == nil && isDir && !sameDir {
			op.linkCount--
			op.dirty = true
			err = fsys.nodeUpdate(op, true)
		}
		fsys.Nput(np2)
	}
	op.Unlock()

	// a moved directory's ".." must now name its new parent
	if err == nil && isDir && !sameDir {
		np.Lock()
		var ds3 Dirstat
		_, derr := fsys.Lookup(np, "..", OpRename|SpecDotDot, &ds3)
		if derr == nil {
			err = fsys.Dirrewrite(np, npnt, &ds3)
		} else {
			err = derr
		}
		np.Unlock()
	}

	if !sameDir {
		fsys.Nrele(npnt)
	}
	fsys.Nrele(op)
	fsys.Nrele(np)
	if err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldpath, newpath, err)
	}
	return nil
}

// direct one record parsed back out of a GetDirects stream
type direct struct {
	inum uint32
	name string
}

// parseDirects decode the packed records GetDirects emits
func parseDirects(data []byte) []direct {
	var out []direct
	for off := 0; off+retHeaderLength <= len(data); {
		inum := le32(data[off:])
		recLen := int(le16(data[off+4:]))
		nameLen := int(le16(data[off+6:]))
		if recLen == 0 {
			break
		}
		out = append(out, direct{
			inum: inum,
			name: string(data[off+retHeaderLength : off+retHeaderLength+nameLen]),
		})
		off += recLen
	}
	return out
}

func le16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func le32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// filesystem.FileSystem interface guard
var _ filesystem.FileSystem = (*FileSystem)(nil)
