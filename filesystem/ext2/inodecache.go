package ext2

import (
	"fmt"
	"sync"
)

// inodeCache holds every node currently in memory, keyed by inode
// number, with its reference count. Nodes are loaded on first lookup and
// dropped once the last reference goes away on an unlinked inode.
type inodeCache struct {
	mu    sync.Mutex
	nodes map[uint32]*Node
}

func newInodeCache() *inodeCache {
	return &inodeCache{nodes: map[uint32]*Node{}}
}

// CachedLookup return the node for inum, loading it from disk if
// necessary, with a new reference and its lock held. May block on I/O
// and on the node's lock; callers must not hold a lock that orders after
// the target node's.
func (fs *FileSystem) CachedLookup(inum uint32) (*Node, error) {
	fs.icache.mu.Lock()
	np, ok := fs.icache.nodes[inum]
	if !ok {
		in, err := fs.readInode(inum)
		if err != nil {
			fs.icache.mu.Unlock()
			return nil, err
		}
		np = newNode(fs, inum, in)
		fs.icache.nodes[inum] = np
	}
	np.refs++
	fs.icache.mu.Unlock()

	np.Lock()
	return np, nil
}

// FindIfCached return the node for inum only if it is already in
// memory. No reference is added and the node is not locked; never loads
// from disk.
func (fs *FileSystem) FindIfCached(inum uint32) *Node {
	fs.icache.mu.Lock()
	defer fs.icache.mu.Unlock()
	return fs.icache.nodes[inum]
}

// Nref add a reference to a node the caller already holds
func (fs *FileSystem) Nref(np *Node) {
	fs.icache.mu.Lock()
	np.refs++
	fs.icache.mu.Unlock()
}

// Nput release one reference and the node's lock
func (fs *FileSystem) Nput(np *Node) {
	np.Unlock()
	fs.Nrele(np)
}

// Nrele release one reference; the caller must not hold the node's lock.
// An unlinked node whose last reference goes away is deallocated.
func (fs *FileSystem) Nrele(np *Node) {
	fs.icache.mu.Lock()
	np.refs--
	if np.refs < 0 {
		fs.icache.mu.Unlock()
		panic(fmt.Sprintf("inode %d: reference count went negative", np.inum))
	}
	drop := np.refs == 0 && np.linkCount == 0
	if drop {
		delete(fs.icache.nodes, np.inum)
	}
	fs.icache.mu.Unlock()

	if drop && !fs.readOnly {
		np.Lock()
		if err := fs.deallocateNode(np); err != nil {
			logger().WithField("inode", np.inum).WithError(err).Error("could not deallocate unlinked inode")
		}
		np.Unlock()
	}
}
