package ext2

import (
	"fmt"

	"github.com/extfs/go-extfs/util/bitmap"
)

// Allocation state for the single block group this implementation lays
// out: one block bitmap, one inode bitmap, then the inode table,
// immediately after the superblock's block.

// readBitmaps load the block and inode bitmaps from disk at mount
func (fs *FileSystem) readBitmaps() error {
	bs := int64(fs.superblock.blockSize)

	b := make([]byte, bs)
	if _, err := fs.backend.ReadAt(b, fs.start+fs.blockBitmapBlock()*bs); err != nil {
		return fmt.Errorf("could not read block bitmap: %w", err)
	}
	fs.blockBitmap = bitmap.FromBytes(b[:(fs.superblock.blockCount+7)/8])

	if _, err := fs.backend.ReadAt(b, fs.start+fs.inodeBitmapBlock()*bs); err != nil {
		return fmt.Errorf("could not read inode bitmap: %w", err)
	}
	fs.inodeBitmap = bitmap.FromBytes(b[:(fs.superblock.inodeCount+7)/8])

	return nil
}

// writeBitmaps persist both bitmaps
func (fs *FileSystem) writeBitmaps() error {
	writable, err := fs.backend.Writable()
	if err != nil {
		return err
	}
	bs := int64(fs.superblock.blockSize)
	if _, err := writable.WriteAt(fs.blockBitmap.ToBytes(), fs.start+fs.blockBitmapBlock()*bs); err != nil {
		return fmt.Errorf("could not write block bitmap: %w", err)
	}
	if _, err := writable.WriteAt(fs.inodeBitmap.ToBytes(), fs.start+fs.inodeBitmapBlock()*bs); err != nil {
		return fmt.Errorf("could not write inode bitmap: %w", err)
	}
	return nil
}

// allocBlock allocate one block, returning its absolute block number
func (fs *FileSystem) allocBlock() (uint32, error) {
	fs.metaMu.Lock()
	defer fs.metaMu.Unlock()

	blk := fs.blockBitmap.FirstFree(int(fs.firstAllocatableBlock()))
	if blk < 0 || blk >= int(fs.superblock.blockCount) {
		return 0, ErrNoSpace
	}
	if err := fs.blockBitmap.Set(blk); err != nil {
		return 0, err
	}
	fs.superblock.freeBlocks--
	fs.metaDirty = true
	return uint32(blk), nil
}

// freeBlock return one block to the free pool
func (fs *FileSystem) freeBlock(blk uint32) error {
	fs.metaMu.Lock()
	defer fs.metaMu.Unlock()

	if err := fs.blockBitmap.Clear(int(blk)); err != nil {
		return err
	}
	fs.superblock.freeBlocks++
	fs.metaDirty = true
	return nil
}

// allocInode allocate an inode number. Inode numbers are 1-based; the
// first ten are reserved.
func (fs *FileSystem) allocInode() (uint32, error) {
	fs.metaMu.Lock()
	defer fs.metaMu.Unlock()

	bit := fs.inodeBitmap.FirstFree(int(firstNonReservedInode) - 1)
	if bit < 0 || bit >= int(fs.superblock.inodeCount) {
		return 0, ErrNoSpace
	}
	if err := fs.inodeBitmap.Set(bit); err != nil {
		return 0, err
	}
	fs.superblock.freeInodes--
	fs.metaDirty = true
	return uint32(bit) + 1, nil
}

// freeInode return an inode number to the free pool
func (fs *FileSystem) freeInode(inum uint32) error {
	fs.metaMu.Lock()
	defer fs.metaMu.Unlock()

	if err := fs.inodeBitmap.Clear(int(inum) - 1); err != nil {
		return err
	}
	fs.superblock.freeInodes++
	fs.metaDirty = true
	return nil
}

// inodeOffset byte offset of an inode in the inode table
func (fs *FileSystem) inodeOffset(inum uint32) (int64, error) {
	if inum == 0 || inum > fs.superblock.inodeCount {
		return 0, fmt.Errorf("inode number %d out of range", inum)
	}
	bs := int64(fs.superblock.blockSize)
	return fs.start + fs.inodeTableBlock()*bs + int64(inum-1)*inodeSize, nil
}

// readInode load one inode from the inode table
func (fs *FileSystem) readInode(inum uint32) (*inode, error) {
	off, err := fs.inodeOffset(inum)
	if err != nil {
		return nil, err
	}
	b := make([]byte, inodeSize)
	if _, err := fs.backend.ReadAt(b, off); err != nil {
		return nil, fmt.Errorf("could not read inode %d: %w", inum, err)
	}
	return inodeFromBytes(b)
}

// writeInode persist one inode to the inode table
func (fs *FileSystem) writeInode(inum uint32, in *inode) error {
	off, err := fs.inodeOffset(inum)
	if err != nil {
		return err
	}
	writable, err := fs.backend.Writable()
	if err != nil {
		return err
	}
	if _, err := writable.WriteAt(in.toBytes(), off); err != nil {
		return fmt.Errorf("could not write inode %d: %w", inum, err)
	}
	return nil
}

// deallocateNode free an unlinked node's blocks and inode number. Called
// with the node locked when its last reference goes away.
func (fs *FileSystem) deallocateNode(np *Node) error {
	for _, ext := range np.extents {
		for i := uint32(0); i < ext.count; i++ {
			if err := fs.freeBlock(ext.startingBlock + i); err != nil {
				return err
			}
		}
	}
	np.extents = nil
	np.size = 0
	np.allocSize = 0

	in := np.toInode()
	in.deletedTime = uint32(fs.clock.Now().Unix())
	if err := fs.writeInode(np.inum, in); err != nil {
		return err
	}
	if err := fs.freeInode(np.inum); err != nil {
		return err
	}
	return fs.flushMetadata(false)
}
