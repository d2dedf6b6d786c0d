package ext2

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Superblock location and size on disk, independent of block size
	superblockOffset int64 = 1024
	superblockSize   int64 = 1024

	superblockMagic uint16 = 0xef53

	// filesystem states
	fsStateClean  uint16 = 1
	fsStateErrors uint16 = 2

	volumeNameLength = 16
)

// superblock is the filesystem superblock, block-size geometry plus
// allocation accounting for the single block group this implementation
// lays out.
type superblock struct {
	inodeCount      uint32
	blockCount      uint32
	reservedBlocks  uint32
	freeBlocks      uint32
	freeInodes      uint32
	firstDataBlock  uint32
	blockSize       uint32
	mountTime       time.Time
	writeTime       time.Time
	mountCount      uint16
	mountsToFsck    uint16
	filesystemState uint16
	revisionLevel   uint32
	uuid            *uuid.UUID
	volumeLabel     string
}

// log2(blocksize/1024), the on-disk representation of the block size
func blockSizeToLog(blocksize uint32) (uint32, error) {
	switch blocksize {
	case 1024:
		return 0, nil
	case 2048:
		return 1, nil
	case 4096:
		return 2, nil
	}
	return 0, fmt.Errorf("invalid block size %d, must be one of 1024, 2048, 4096", blocksize)
}

// superblockFromBytes create a superblock struct from bytes
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < int(superblockSize) {
		return nil, fmt.Errorf("superblock was %d bytes, expected %d", len(b), superblockSize)
	}
	magic := binary.LittleEndian.Uint16(b[56:58])
	if magic != superblockMagic {
		return nil, fmt.Errorf("invalid superblock magic %#04x, expected %#04x", magic, superblockMagic)
	}

	logBlockSize := binary.LittleEndian.Uint32(b[24:28])
	if logBlockSize > 2 {
		return nil, fmt.Errorf("invalid log block size %d", logBlockSize)
	}

	sbUUID, err := uuid.FromBytes(b[104:120])
	if err != nil {
		return nil, fmt.Errorf("unable to read filesystem UUID: %w", err)
	}

	sb := superblock{
		inodeCount:      binary.LittleEndian.Uint32(b[0:4]),
		blockCount:      binary.LittleEndian.Uint32(b[4:8]),
		reservedBlocks:  binary.LittleEndian.Uint32(b[8:12]),
		freeBlocks:      binary.LittleEndian.Uint32(b[12:16]),
		freeInodes:      binary.LittleEndian.Uint32(b[16:20]),
		firstDataBlock:  binary.LittleEndian.Uint32(b[20:24]),
		blockSize:       uint32(1024) << logBlockSize,
		mountTime:       time.Unix(int64(binary.LittleEndian.Uint32(b[44:48])), 0).UTC(),
		writeTime:       time.Unix(int64(binary.LittleEndian.Uint32(b[48:52])), 0).UTC(),
		mountCount:      binary.LittleEndian.Uint16(b[52:54]),
		mountsToFsck:    binary.LittleEndian.Uint16(b[54:56]),
		filesystemState: binary.LittleEndian.Uint16(b[58:60]),
		revisionLevel:   binary.LittleEndian.Uint32(b[76:80]),
		uuid:            &sbUUID,
		volumeLabel:     minString(b[120 : 120+volumeNameLength]),
	}

	return &sb, nil
}

// toBytes convert the superblock to its on-disk representation
func (sb *superblock) toBytes() ([]byte, error) {
	b := make([]byte, superblockSize)

	logBlockSize, err := blockSizeToLog(sb.blockSize)
	if err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint32(b[0:4], sb.inodeCount)
	binary.LittleEndian.PutUint32(b[4:8], sb.blockCount)
	binary.LittleEndian.PutUint32(b[8:12], sb.reservedBlocks)
	binary.LittleEndian.PutUint32(b[12:16], sb.freeBlocks)
	binary.LittleEndian.PutUint32(b[16:20], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[20:24], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[24:28], logBlockSize)
	binary.LittleEndian.PutUint32(b[44:48], uint32(sb.mountTime.Unix()))
	binary.LittleEndian.PutUint32(b[48:52], uint32(sb.writeTime.Unix()))
	binary.LittleEndian.PutUint16(b[52:54], sb.mountCount)
	binary.LittleEndian.PutUint16(b[54:56], sb.mountsToFsck)
	binary.LittleEndian.PutUint16(b[56:58], superblockMagic)
	binary.LittleEndian.PutUint16(b[58:60], sb.filesystemState)
	binary.LittleEndian.PutUint32(b[76:80], sb.revisionLevel)

	if sb.uuid != nil {
		copy(b[104:120], sb.uuid[:])
	}

	label := sb.volumeLabel
	if len(label) > volumeNameLength {
		return nil, fmt.Errorf("volume label %q longer than %d bytes", label, volumeNameLength)
	}
	copy(b[120:120+volumeNameLength], label)

	return b, nil
}

// minString convert a NUL-padded byte field to a string
func minString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
