package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// On-disk directory entry layout. A directory block is an uninterrupted
// run of these records; recLen of each entry, summed, is exactly the
// block size, and no entry crosses a block boundary.
//
//	bytes 0-3  inode number, 0 = free slot
//	bytes 4-5  record length, including padding
//	bytes 6-7  name length
//	bytes 8-   name, recLen-8 bytes of room
const (
	direntHeaderLength = 8
	direntPad          = 4

	// NameMax longest permitted entry name, in bytes
	NameMax = 255
)

// minRecLen the smallest record that can hold a name of the given
// length, aligned to direntPad.
func minRecLen(nameLen int) int {
	return (direntHeaderLength + nameLen + direntPad - 1) &^ (direntPad - 1)
}

// dirent is a decoded view of one entry; name aliases the block's bytes
// rather than copying.
type dirent struct {
	inode   uint32
	recLen  int
	nameLen int
	name    []byte
}

// decodeDirent validate and decode the entry at off within block.
// A violation of any record invariant means the block is corrupt.
func decodeDirent(block []byte, off int) (dirent, error) {
	if off+direntHeaderLength > len(block) {
		return dirent{}, fmt.Errorf("entry header at offset %d overruns block", off)
	}
	de := dirent{
		inode:   binary.LittleEndian.Uint32(block[off : off+4]),
		recLen:  int(binary.LittleEndian.Uint16(block[off+4 : off+6])),
		nameLen: int(binary.LittleEndian.Uint16(block[off+6 : off+8])),
	}
	switch {
	case de.recLen == 0:
		return dirent{}, fmt.Errorf("zero length entry at offset %d", off)
	case de.recLen%direntPad != 0:
		return dirent{}, fmt.Errorf("entry at offset %d has unaligned length %d", off, de.recLen)
	case de.nameLen > NameMax:
		return dirent{}, fmt.Errorf("entry at offset %d has name length %d", off, de.nameLen)
	case off+de.recLen > len(block):
		return dirent{}, fmt.Errorf("entry at offset %d length %d overruns block", off, de.recLen)
	case minRecLen(de.nameLen) > de.recLen:
		return dirent{}, fmt.Errorf("entry at offset %d length %d cannot hold name of %d", off, de.recLen, de.nameLen)
	}
	de.name = block[off+direntHeaderLength : off+direntHeaderLength+de.nameLen]
	if bytes.IndexByte(de.name, 0) >= 0 {
		return dirent{}, fmt.Errorf("entry at offset %d has NUL in name", off)
	}
	return de, nil
}

// Field writers. Mutators rewrite entries field by field in place; there
// is no whole-entry encoder.

func direntSetInode(block []byte, off int, inum uint32) {
	binary.LittleEndian.PutUint32(block[off:off+4], inum)
}

func direntSetRecLen(block []byte, off, recLen int) {
	binary.LittleEndian.PutUint16(block[off+4:off+6], uint16(recLen))
}

func direntSetName(block []byte, off int, name string) {
	binary.LittleEndian.PutUint16(block[off+6:off+8], uint16(len(name)))
	copy(block[off+direntHeaderLength:], name)
}
