package ext2

import (
	"testing"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/extfs/go-extfs/testhelper"
)

const testImageSize = 4 * 1024 * 1024

// newTestFS a fresh filesystem over in-memory storage with a simulated
// clock, returning both
func newTestFS(t *testing.T) (*FileSystem, *testhelper.MemoryStorage) {
	t.Helper()
	storage := testhelper.NewMemoryStorage(testImageSize)
	var clock timeutil.SimulatedClock
	clock.SetTime(time.Date(2021, 6, 5, 11, 30, 0, 0, time.UTC))
	fsys, err := Create(storage, testImageSize, 0, &Params{Clock: &clock})
	if err != nil {
		t.Fatalf("could not create filesystem: %v", err)
	}
	return fsys, storage
}

// entrySpec one directory entry for building and comparing raw blocks
type entrySpec struct {
	Name   string
	Inum   uint32
	RecLen int
}

// buildBlock pack entries into one raw directory block; the specs must
// sum to exactly one block
func buildBlock(t *testing.T, fsys *FileSystem, entries []entrySpec) []byte {
	t.Helper()
	bs := int(fsys.superblock.blockSize)
	block := make([]byte, bs)
	off := 0
	for _, e := range entries {
		direntSetInode(block, off, e.Inum)
		direntSetRecLen(block, off, e.RecLen)
		direntSetName(block, off, e.Name)
		off += e.RecLen
	}
	if off != bs {
		t.Fatalf("built block of %d bytes, want %d", off, bs)
	}
	return block
}

// blockEntries decode a raw block back into specs
func blockEntries(t *testing.T, block []byte) []entrySpec {
	t.Helper()
	var out []entrySpec
	for off := 0; off < len(block); {
		de, err := decodeDirent(block, off)
		if err != nil {
			t.Fatalf("entry at offset %d: %v", off, err)
		}
		out = append(out, entrySpec{Name: string(de.name), Inum: de.inode, RecLen: de.recLen})
		off += de.recLen
	}
	return out
}

// makeTestDir a directory under the root whose contents are exactly the
// given raw blocks, returned locked and referenced
func makeTestDir(t *testing.T, fsys *FileSystem, blocks ...[]byte) *Node {
	t.Helper()
	if err := fsys.Mkdir("/testdir"); err != nil {
		t.Fatalf("could not make scratch directory: %v", err)
	}
	np, err := fsys.resolve("/testdir")
	if err != nil {
		t.Fatalf("could not resolve scratch directory: %v", err)
	}
	bs := int64(fsys.superblock.blockSize)
	want := int64(len(blocks)) * bs
	if err := fsys.grow(np, want); err != nil {
		t.Fatalf("could not grow scratch directory: %v", err)
	}
	np.size = want
	for i, block := range blocks {
		if err := fsys.nodeRdwr(np, block, int64(i)*bs, true); err != nil {
			t.Fatalf("could not write block %d: %v", i, err)
		}
	}
	// discard bookkeeping from the directory's previous contents
	np.dir.counts = nil
	np.dir.idx = 0
	if err := fsys.writeInode(np.inum, np.toInode()); err != nil {
		t.Fatalf("could not flush scratch directory inode: %v", err)
	}
	return np
}

// readDirBlock one block of a directory as raw bytes
func readDirBlock(t *testing.T, fsys *FileSystem, np *Node, idx int) []byte {
	t.Helper()
	bs := int64(fsys.superblock.blockSize)
	block := make([]byte, bs)
	if err := fsys.nodeRdwr(np, block, int64(idx)*bs, false); err != nil {
		t.Fatalf("could not read directory block %d: %v", idx, err)
	}
	return block
}

// checkWellFormed every block of the directory decodes completely and
// its record lengths sum to the block size
func checkWellFormed(t *testing.T, fsys *FileSystem, np *Node) {
	t.Helper()
	bs := int(fsys.superblock.blockSize)
	for idx := 0; idx < int(fsys.blocksFor(np.size)); idx++ {
		block := readDirBlock(t, fsys, np, idx)
		sum := 0
		for off := 0; off < bs; {
			de, err := decodeDirent(block, off)
			if err != nil {
				t.Fatalf("block %d entry at offset %d: %v", idx, off, err)
			}
			sum += de.recLen
			off += de.recLen
		}
		if sum != bs {
			t.Errorf("block %d record lengths sum to %d, want %d", idx, sum, bs)
		}
	}
}

// checkCounts every cached per-block count matches the live entries
// actually in that block
func checkCounts(t *testing.T, fsys *FileSystem, np *Node) {
	t.Helper()
	if np.dir.counts == nil {
		return
	}
	for idx, c := range np.dir.counts {
		if c == countUnknown {
			continue
		}
		live := 0
		for _, e := range blockEntries(t, readDirBlock(t, fsys, np, idx)) {
			if e.Inum != 0 {
				live++
			}
		}
		if c != live {
			t.Errorf("block %d cached count %d, actual %d", idx, c, live)
		}
	}
}

// testNode a bare node standing in for a file being linked; only its
// inode number matters to the directory layer
func testNode(fsys *FileSystem, inum uint32) *Node {
	np := &Node{fs: fsys, inum: inum, linkCount: 1}
	np.mu = newNodeMutex(np)
	return np
}
