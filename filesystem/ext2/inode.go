package ext2

import (
	"encoding/binary"
	"fmt"
	"time"
)

type fileType uint16

const (
	inodeSize int64 = 128

	// the number of (start, count) extent slots carried in an inode's
	// block area
	maxExtentsPerInode = 7

	fileTypeFifo            fileType = 0x1000
	fileTypeCharacterDevice fileType = 0x2000
	fileTypeDirectory       fileType = 0x4000
	fileTypeBlockDevice     fileType = 0x6000
	fileTypeRegularFile     fileType = 0x8000
	fileTypeSymbolicLink    fileType = 0xa000
	fileTypeSocket          fileType = 0xc000

	fileTypeMask uint16 = 0xf000

	// sectors as accounted in an inode's block-count field
	sectorSize int64 = 512
)

// extent is a run of contiguous blocks belonging to one file: fileBlock
// is the position within the file, startingBlock the position on disk.
type extent struct {
	fileBlock     uint32
	startingBlock uint32
	count         uint32
}

type extents []extent

// inode is the on-disk inode: ownership, size, times and the extent list
// locating the file's blocks.
type inode struct {
	mode        uint16
	uid         uint16
	gid         uint16
	size        uint32
	accessTime  time.Time
	changeTime  time.Time
	modifyTime  time.Time
	deletedTime uint32
	linkCount   uint16
	sectors     uint32
	flags       uint32
	extents     extents
}

func (i *inode) fileType() fileType {
	return fileType(i.mode & fileTypeMask)
}

func (i *inode) isDirectory() bool {
	return i.fileType() == fileTypeDirectory
}

// inodeFromBytes create an inode from its on-disk representation
func inodeFromBytes(b []byte) (*inode, error) {
	if len(b) < int(inodeSize) {
		return nil, fmt.Errorf("inode was %d bytes, expected %d", len(b), inodeSize)
	}
	in := inode{
		mode:        binary.LittleEndian.Uint16(b[0:2]),
		uid:         binary.LittleEndian.Uint16(b[2:4]),
		size:        binary.LittleEndian.Uint32(b[4:8]),
		accessTime:  time.Unix(int64(binary.LittleEndian.Uint32(b[8:12])), 0).UTC(),
		changeTime:  time.Unix(int64(binary.LittleEndian.Uint32(b[12:16])), 0).UTC(),
		modifyTime:  time.Unix(int64(binary.LittleEndian.Uint32(b[16:20])), 0).UTC(),
		deletedTime: binary.LittleEndian.Uint32(b[20:24]),
		gid:         binary.LittleEndian.Uint16(b[24:26]),
		linkCount:   binary.LittleEndian.Uint16(b[26:28]),
		sectors:     binary.LittleEndian.Uint32(b[28:32]),
		flags:       binary.LittleEndian.Uint32(b[32:36]),
	}

	extentCount := binary.LittleEndian.Uint32(b[36:40])
	if extentCount > maxExtentsPerInode {
		return nil, fmt.Errorf("inode claims %d extents, maximum is %d", extentCount, maxExtentsPerInode)
	}
	var fileBlock uint32
	for e := 0; e < int(extentCount); e++ {
		off := 40 + e*8
		ext := extent{
			fileBlock:     fileBlock,
			startingBlock: binary.LittleEndian.Uint32(b[off : off+4]),
			count:         binary.LittleEndian.Uint32(b[off+4 : off+8]),
		}
		in.extents = append(in.extents, ext)
		fileBlock += ext.count
	}

	return &in, nil
}

// toBytes convert the inode to its on-disk representation
func (i *inode) toBytes() []byte {
	b := make([]byte, inodeSize)

	binary.LittleEndian.PutUint16(b[0:2], i.mode)
	binary.LittleEndian.PutUint16(b[2:4], i.uid)
	binary.LittleEndian.PutUint32(b[4:8], i.size)
	binary.LittleEndian.PutUint32(b[8:12], uint32(i.accessTime.Unix()))
	binary.LittleEndian.PutUint32(b[12:16], uint32(i.changeTime.Unix()))
	binary.LittleEndian.PutUint32(b[16:20], uint32(i.modifyTime.Unix()))
	binary.LittleEndian.PutUint32(b[20:24], i.deletedTime)
	binary.LittleEndian.PutUint16(b[24:26], i.gid)
	binary.LittleEndian.PutUint16(b[26:28], i.linkCount)
	binary.LittleEndian.PutUint32(b[28:32], i.sectors)
	binary.LittleEndian.PutUint32(b[32:36], i.flags)

	binary.LittleEndian.PutUint32(b[36:40], uint32(len(i.extents)))
	for e, ext := range i.extents {
		off := 40 + e*8
		binary.LittleEndian.PutUint32(b[off:off+4], ext.startingBlock)
		binary.LittleEndian.PutUint32(b[off+4:off+8], ext.count)
	}

	return b
}
