package ext2

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"

	"github.com/extfs/go-extfs/filesystem"
)

// mapWindow is a mapped view of a node's current contents. A writable
// window is owned by the Dirstat between a lookup and its paired
// mutation; releasing it writes the whole window, up to the node's
// block-rounded size, back through the node's extents.
type mapWindow struct {
	np       *Node
	data     []byte
	writable bool
	released bool
}

// mapNode materialize the node's bytes, rounded up to a block with one
// extra block of slack so an extend can write before grow returns.
func (fs *FileSystem) mapNode(np *Node, writable bool) (*mapWindow, error) {
	if writable && fs.readOnly {
		return nil, filesystem.ErrReadonlyFilesystem
	}
	bs := int64(fs.superblock.blockSize)
	mapLen := fs.blocksFor(np.size)*bs + bs
	data := make([]byte, mapLen)
	if np.size > 0 {
		if err := fs.nodeRdwr(np, data[:fs.blocksFor(np.size)*bs], 0, false); err != nil {
			return nil, err
		}
	}
	return &mapWindow{np: np, data: data, writable: writable}, nil
}

// release unmap the window, flushing a writable window's contents up to
// the node's current size. Safe to call more than once.
func (w *mapWindow) release() error {
	if w.released {
		return nil
	}
	w.released = true
	if !w.writable {
		return nil
	}
	fs := w.np.fs
	flushLen := fs.blocksFor(w.np.size) * int64(fs.superblock.blockSize)
	if flushLen > int64(len(w.data)) {
		flushLen = int64(len(w.data))
	}
	if flushLen == 0 {
		return nil
	}
	return fs.nodeRdwr(w.np, w.data[:flushLen], 0, true)
}

// discard unmap the window without flushing anything back
func (w *mapWindow) discard() {
	w.released = true
}

// block returns the byte range of one directory block within the window
func (w *mapWindow) block(idx int, blockSize int) []byte {
	return w.data[idx*blockSize : (idx+1)*blockSize]
}

// nodeRdwr transfer bytes between p and the node's contents starting at
// offset off, walking the extent list. The range must be within the
// node's allocated blocks.
func (fs *FileSystem) nodeRdwr(np *Node, p []byte, off int64, write bool) error {
	bs := int64(fs.superblock.blockSize)
	var writable interface {
		WriteAt(p []byte, off int64) (int, error)
	}
	if write {
		w, err := fs.backend.Writable()
		if err != nil {
			return err
		}
		writable = w
	}

	done := int64(0)
	total := int64(len(p))
	for _, ext := range np.extents {
		extStart := int64(ext.fileBlock) * bs
		extLen := int64(ext.count) * bs
		if extStart+extLen <= off+done {
			continue
		}
		posInExt := off + done - extStart
		chunk := extLen - posInExt
		if chunk > total-done {
			chunk = total - done
		}
		diskOff := fs.start + int64(ext.startingBlock)*bs + posInExt
		var err error
		if write {
			_, err = writable.WriteAt(p[done:done+chunk], diskOff)
		} else {
			_, err = fs.backend.ReadAt(p[done:done+chunk], diskOff)
		}
		if err != nil {
			return fmt.Errorf("could not transfer %d bytes at node offset %d: %w", chunk, off+done, err)
		}
		done += chunk
		if done >= total {
			return nil
		}
	}
	if done < total {
		return fmt.Errorf("node %d: range [%d, %d) not covered by allocated blocks", np.inum, off, off+total)
	}
	return nil
}

// grow extend the node's allocation until it covers newSize bytes. The
// node's size is not changed; callers update it once the new space holds
// valid contents. May allocate less than a full block's worth per extent
// step, so callers loop until allocSize suffices.
func (fs *FileSystem) grow(np *Node, newSize int64) error {
	if fs.readOnly {
		return filesystem.ErrReadonlyFilesystem
	}
	bs := int64(fs.superblock.blockSize)
	for np.allocSize < newSize {
		blk, err := fs.allocBlock()
		if err != nil {
			return err
		}
		fileBlock := uint32(np.allocSize / bs)
		n := len(np.extents)
		if n > 0 && np.extents[n-1].startingBlock+np.extents[n-1].count == blk {
			np.extents[n-1].count++
		} else {
			if n >= maxExtentsPerInode {
				_ = fs.freeBlock(blk)
				return fmt.Errorf("node %d: too fragmented: %w", np.inum, ErrNoSpace)
			}
			np.extents = append(np.extents, extent{fileBlock: fileBlock, startingBlock: blk, count: 1})
		}
		np.allocSize += bs
		np.dirty = true
	}
	return nil
}

// nodeUpdate flush the node's metadata if any of its times or fields
// were touched; wait requests a durable write.
func (fs *FileSystem) nodeUpdate(np *Node, wait bool) error {
	if fs.readOnly {
		return nil
	}
	now := fs.clock.Now()
	if np.setAtime {
		np.accessTime = now
		np.setAtime = false
		np.dirty = true
	}
	if np.setMtime {
		np.modifyTime = now
		np.setMtime = false
		np.dirty = true
	}
	if np.setCtime {
		np.changeTime = now
		np.setCtime = false
		np.dirty = true
	}
	if !np.dirty {
		return nil
	}
	if err := fs.writeInode(np.inum, np.toInode()); err != nil {
		return err
	}
	np.dirty = false
	if err := fs.flushMetadata(wait); err != nil {
		return err
	}
	return nil
}

// fileUpdate flush node metadata after a content change
func (fs *FileSystem) fileUpdate(np *Node, wait bool) error {
	return fs.nodeUpdate(np, wait)
}

// flushMetadata persist superblock and bitmaps if dirtied; wait syncs
// the backing store.
func (fs *FileSystem) flushMetadata(wait bool) error {
	fs.metaMu.Lock()
	dirty := fs.metaDirty
	fs.metaDirty = false
	fs.metaMu.Unlock()

	if dirty {
		fs.superblock.writeTime = fs.clock.Now()
		b, err := fs.superblock.toBytes()
		if err != nil {
			return err
		}
		writable, err := fs.backend.Writable()
		if err != nil {
			return err
		}
		if _, err := writable.WriteAt(b, fs.start+superblockOffset); err != nil {
			return fmt.Errorf("could not write superblock: %w", err)
		}
		if err := fs.writeBitmaps(); err != nil {
			return err
		}
	}
	if wait {
		return fs.backend.Sync()
	}
	return nil
}

// File is an open file on the filesystem. The write side is not
// supported yet.
type File struct {
	fs     *FileSystem
	np     *Node
	name   string
	offset int64
	closed bool
}

// Read reads up to len(b) bytes from the File.
// It returns the number of bytes read and any error encountered.
// At end of file, Read returns 0, io.EOF
func (fl *File) Read(b []byte) (int, error) {
	if fl.closed {
		return 0, fs.ErrClosed
	}
	fl.np.Lock()
	defer fl.np.Unlock()

	if fl.offset >= fl.np.size {
		return 0, io.EOF
	}
	toRead := int64(len(b))
	if fl.offset+toRead > fl.np.size {
		toRead = fl.np.size - fl.offset
	}
	if toRead == 0 {
		return 0, nil
	}
	if err := fl.fs.nodeRdwr(fl.np, b[:toRead], fl.offset, false); err != nil {
		return 0, err
	}
	fl.offset += toRead
	var err error
	if fl.offset >= fl.np.size {
		err = io.EOF
	}
	return int(toRead), err
}

// Write is not supported on this filesystem yet
func (fl *File) Write(_ []byte) (int, error) {
	return 0, filesystem.ErrNotSupported
}

// Seek set the offset for the next Read
func (fl *File) Seek(offset int64, whence int) (int64, error) {
	if fl.closed {
		return 0, fs.ErrClosed
	}
	fl.np.Lock()
	size := fl.np.size
	fl.np.Unlock()

	newOffset := int64(0)
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = size + offset
	case io.SeekCurrent:
		newOffset = fl.offset + offset
	}
	if newOffset < 0 {
		return fl.offset, fmt.Errorf("cannot set offset %d before start of file", offset)
	}
	fl.offset = newOffset
	return fl.offset, nil
}

// Stat file information for this file
func (fl *File) Stat() (fs.FileInfo, error) {
	fl.np.Lock()
	defer fl.np.Unlock()
	return &fileInfo{
		name:    path.Base(fl.name),
		size:    fl.np.size,
		mode:    fileModeFromInode(fl.np.mode),
		modTime: fl.np.modifyTime,
		isDir:   fl.np.IsDir(),
	}, nil
}

// Close release the file's node reference
func (fl *File) Close() error {
	if fl.closed {
		return nil
	}
	fl.closed = true
	fl.fs.Nrele(fl.np)
	return nil
}

// fileInfo implements fs.FileInfo for files and directory listings
type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
}

func (f *fileInfo) Name() string       { return f.name }
func (f *fileInfo) Size() int64        { return f.size }
func (f *fileInfo) Mode() fs.FileMode  { return f.mode }
func (f *fileInfo) ModTime() time.Time { return f.modTime }
func (f *fileInfo) IsDir() bool        { return f.isDir }
func (f *fileInfo) Sys() interface{}   { return nil }

// fileModeFromInode translate an inode mode to an fs.FileMode
func fileModeFromInode(mode uint16) fs.FileMode {
	m := fs.FileMode(mode & 0o777)
	switch fileType(mode & fileTypeMask) {
	case fileTypeDirectory:
		m |= fs.ModeDir
	case fileTypeSymbolicLink:
		m |= fs.ModeSymlink
	case fileTypeCharacterDevice:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case fileTypeBlockDevice:
		m |= fs.ModeDevice
	case fileTypeFifo:
		m |= fs.ModeNamedPipe
	case fileTypeSocket:
		m |= fs.ModeSocket
	}
	return m
}

var _ filesystem.File = (*File)(nil)
