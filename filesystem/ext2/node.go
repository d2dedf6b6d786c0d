package ext2

import (
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"
)

// countUnknown is the sentinel for a per-block live-entry count that has
// not been tallied yet.
const countUnknown = -1

// dirCache is the per-directory lookup state: the block index where the
// last lookup resolved, and the lazily allocated per-block live entry
// counts used by GetDirects to seek without rescanning.
type dirCache struct {
	// idx block index where the last successful lookup resolved
	idx int
	// counts per-block live entry counts; countUnknown until a full
	// scan of that block has tallied it. nil until first needed.
	counts []int
}

// Node is an in-memory inode. Its mutex guards all mutable state and must
// be held continuously from a lookup through any paired directory
// mutation.
type Node struct {
	fs   *FileSystem
	inum uint32

	mu syncutil.InvariantMutex

	// guarded by the inode cache's lock, not mu
	refs int

	mode      uint16
	uid       uint16
	gid       uint16
	linkCount uint16
	size      int64
	allocSize int64
	extents   extents

	accessTime time.Time
	changeTime time.Time
	modifyTime time.Time

	setAtime bool
	setMtime bool
	setCtime bool

	// non-nil iff this node is a directory
	dir *dirCache

	dirty bool
}

func newNode(fs *FileSystem, inum uint32, in *inode) *Node {
	n := &Node{
		fs:         fs,
		inum:       inum,
		mode:       in.mode,
		uid:        in.uid,
		gid:        in.gid,
		linkCount:  in.linkCount,
		size:       int64(in.size),
		allocSize:  int64(in.sectors) * sectorSize,
		extents:    append(extents{}, in.extents...),
		accessTime: in.accessTime,
		changeTime: in.changeTime,
		modifyTime: in.modifyTime,
	}
	if in.isDirectory() {
		n.dir = &dirCache{}
	}
	n.mu = newNodeMutex(n)
	return n
}

// newNodeMutex a mutex that checks the node's bookkeeping invariants
// whenever invariant checking is enabled
func newNodeMutex(np *Node) syncutil.InvariantMutex {
	return syncutil.NewInvariantMutex(np.checkInvariants)
}

// Inum the inode number of this node
func (np *Node) Inum() uint32 {
	return np.inum
}

// Size the size of the node's contents in bytes
func (np *Node) Size() int64 {
	return np.size
}

// IsDir whether this node is a directory
func (np *Node) IsDir() bool {
	return np.dir != nil
}

// Lock acquire the node's mutex. The mutex must be held across a lookup
// and any mutation consuming that lookup's Dirstat.
func (np *Node) Lock() {
	np.mu.Lock()
}

// Unlock release the node's mutex
func (np *Node) Unlock() {
	np.mu.Unlock()
}

func (np *Node) checkInvariants() {
	if np.size > np.allocSize {
		panic(fmt.Sprintf("inode %d: size %d exceeds allocated %d", np.inum, np.size, np.allocSize))
	}
	if np.dir != nil && np.dir.counts != nil {
		if len(np.dir.counts) != int(np.fs.blocksFor(np.size)) {
			panic(fmt.Sprintf("inode %d: %d cached block counts for %d blocks",
				np.inum, len(np.dir.counts), np.fs.blocksFor(np.size)))
		}
		for i, c := range np.dir.counts {
			if c < countUnknown {
				panic(fmt.Sprintf("inode %d: bad cached count %d for block %d", np.inum, c, i))
			}
		}
	}
}

// ensureCounts allocate the per-block count cache if not yet present,
// with every block unknown.
func (np *Node) ensureCounts() {
	if np.dir.counts != nil {
		return
	}
	nblocks := int(np.fs.blocksFor(np.size))
	np.dir.counts = make([]int, nblocks)
	for i := range np.dir.counts {
		np.dir.counts[i] = countUnknown
	}
}

// toInode the on-disk representation of this node's current state
func (np *Node) toInode() *inode {
	return &inode{
		mode:       np.mode,
		uid:        np.uid,
		gid:        np.gid,
		size:       uint32(np.size),
		accessTime: np.accessTime,
		changeTime: np.changeTime,
		modifyTime: np.modifyTime,
		linkCount:  np.linkCount,
		sectors:    uint32(np.allocSize / sectorSize),
		extents:    append(extents{}, np.extents...),
	}
}
