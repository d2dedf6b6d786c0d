package ext2

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-test/deep"
)

func TestEnterTake(t *testing.T) {
	fsys, _ := newTestFS(t)
	np := makeTestDir(t, fsys, buildBlock(t, fsys, []entrySpec{
		{"a", 0, 16},
		{"b", 27, 1008},
	}))
	defer fsys.Nput(np)

	var ds Dirstat
	_, err := fsys.Lookup(np, "x", OpCreate, &ds)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup of absent name: %v", err)
	}
	if ds.stat != slotTake {
		t.Fatalf("slot status %d, want take", ds.stat)
	}
	if err := fsys.Direnter(np, "x", testNode(fsys, 29), &ds); err != nil {
		t.Fatalf("enter: %v", err)
	}

	got := blockEntries(t, readDirBlock(t, fsys, np, 0))
	want := []entrySpec{
		{"x", 29, 16},
		{"b", 27, 1008},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("block after take: %v", diff)
	}
	checkWellFormed(t, fsys, np)
	checkCounts(t, fsys, np)
}

func TestEnterShrink(t *testing.T) {
	fsys, _ := newTestFS(t)
	np := makeTestDir(t, fsys, buildBlock(t, fsys, []entrySpec{
		{"foo", 23, 1024},
	}))
	defer fsys.Nput(np)

	var ds Dirstat
	_, err := fsys.Lookup(np, "y", OpCreate, &ds)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup of absent name: %v", err)
	}
	if ds.stat != slotShrink {
		t.Fatalf("slot status %d, want shrink", ds.stat)
	}
	if err := fsys.Direnter(np, "y", testNode(fsys, 31), &ds); err != nil {
		t.Fatalf("enter: %v", err)
	}

	got := blockEntries(t, readDirBlock(t, fsys, np, 0))
	want := []entrySpec{
		{"foo", 23, 12},
		{"y", 31, 1012},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("block after shrink: %v", diff)
	}
	checkWellFormed(t, fsys, np)
	checkCounts(t, fsys, np)
}

// the compaction pass itself, driven by a compress token over a block
// with both dead entries and oversized live ones
func TestEnterCompressCompaction(t *testing.T) {
	fsys, _ := newTestFS(t)
	np := makeTestDir(t, fsys, buildBlock(t, fsys, []entrySpec{
		{"a", 0, 16},
		{"bb", 25, 16},
		{"ccc", 0, 16},
		{"dddd", 28, 976},
	}))
	defer fsys.Nput(np)

	win, err := fsys.mapNode(np, true)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	ds := Dirstat{op: OpCreate, stat: slotCompress, win: win, idx: 0, prevOff: -1}
	if err := fsys.Direnter(np, "eeeee", testNode(fsys, 32), &ds); err != nil {
		t.Fatalf("enter: %v", err)
	}

	got := blockEntries(t, readDirBlock(t, fsys, np, 0))
	want := []entrySpec{
		{"bb", 25, 12},
		{"dddd", 28, 12},
		{"eeeee", 32, 1000},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("block after compress: %v", diff)
	}
	checkWellFormed(t, fsys, np)
}

// a block whose free space is sufficient only in aggregate must be
// chosen for compression by the scanner, and an equal-cost later block
// must not displace it
func TestScanChoosesCompressAndKeepsEarlierOnTie(t *testing.T) {
	fsys, _ := newTestFS(t)

	// 50 entries with 8 spare bytes each and one with 12: plenty in
	// aggregate, never enough in one entry for a 16 byte record
	crowded := func(base uint32) []entrySpec {
		var specs []entrySpec
		for i := 0; i < 50; i++ {
			specs = append(specs, entrySpec{"aa", base + uint32(i), 20})
		}
		return append(specs, entrySpec{"zz", base + 50, 24})
	}

	np := makeTestDir(t, fsys,
		buildBlock(t, fsys, crowded(100)),
		buildBlock(t, fsys, crowded(200)),
	)
	defer fsys.Nput(np)

	var ds Dirstat
	_, err := fsys.Lookup(np, "eeeee", OpCreate, &ds)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup of absent name: %v", err)
	}
	if ds.stat != slotCompress {
		t.Fatalf("slot status %d, want compress", ds.stat)
	}
	if ds.idx != 0 {
		t.Errorf("compress chose block %d, want the earlier block on equal cost", ds.idx)
	}

	if err := fsys.Direnter(np, "eeeee", testNode(fsys, 33), &ds); err != nil {
		t.Fatalf("enter: %v", err)
	}
	child, err := fsys.Lookup(np, "eeeee", OpLookup, nil)
	if err != nil {
		t.Fatalf("lookup after compress enter: %v", err)
	}
	if np.dir.idx != 0 {
		t.Errorf("entry landed in block %d, want 0", np.dir.idx)
	}
	fsys.Nput(child)
	checkWellFormed(t, fsys, np)
	checkCounts(t, fsys, np)
}

func TestEnterExtend(t *testing.T) {
	fsys, _ := newTestFS(t)

	// a completely full block: every entry at its minimum length
	var full []entrySpec
	for i := 0; i < 64; i++ {
		name := string([]byte{'n', byte('a' + i/26), byte('a' + i%26), 'x', 'y'})
		full = append(full, entrySpec{name, 300 + uint32(i), 16})
	}
	np := makeTestDir(t, fsys, buildBlock(t, fsys, full))
	defer fsys.Nput(np)
	oldSize := np.size

	var ds Dirstat
	_, err := fsys.Lookup(np, "z", OpCreate, &ds)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup of absent name: %v", err)
	}
	if ds.stat != slotExtend {
		t.Fatalf("slot status %d, want extend", ds.stat)
	}
	if err := fsys.Direnter(np, "z", testNode(fsys, 35), &ds); err != nil {
		t.Fatalf("enter: %v", err)
	}

	bs := int64(fsys.superblock.blockSize)
	if np.size != oldSize+bs {
		t.Errorf("size %d after extend, want %d", np.size, oldSize+bs)
	}
	got := blockEntries(t, readDirBlock(t, fsys, np, 1))
	want := []entrySpec{{"z", 35, int(bs)}}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("fresh block: %v", diff)
	}
	if diff := deep.Equal([]int{64, 1}, np.dir.counts); diff != nil {
		t.Errorf("per-block counts: %v", diff)
	}
	checkWellFormed(t, fsys, np)
	checkCounts(t, fsys, np)
}

func TestRemoveFirstLeavesTombstone(t *testing.T) {
	fsys, _ := newTestFS(t)
	np := makeTestDir(t, fsys, buildBlock(t, fsys, []entrySpec{
		{"a", 21, 16},
		{"b", 22, 16},
		{"c", 23, 992},
	}))
	defer fsys.Nput(np)

	var ds Dirstat
	child, err := fsys.Lookup(np, "a", OpRemove, &ds)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := fsys.Dirremove(np, &ds); err != nil {
		t.Fatalf("remove: %v", err)
	}
	fsys.Nput(child)

	got := blockEntries(t, readDirBlock(t, fsys, np, 0))
	want := []entrySpec{
		{"a", 0, 16},
		{"b", 22, 16},
		{"c", 23, 992},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("block after remove: %v", diff)
	}
	if _, err := fsys.Lookup(np, "a", OpLookup, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup of removed name: %v", err)
	}
	checkWellFormed(t, fsys, np)
	checkCounts(t, fsys, np)
}

func TestRemoveMergesIntoPredecessor(t *testing.T) {
	fsys, _ := newTestFS(t)
	np := makeTestDir(t, fsys, buildBlock(t, fsys, []entrySpec{
		{"a", 21, 16},
		{"b", 22, 16},
		{"c", 23, 992},
	}))
	defer fsys.Nput(np)

	var ds Dirstat
	child, err := fsys.Lookup(np, "b", OpRemove, &ds)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := fsys.Dirremove(np, &ds); err != nil {
		t.Fatalf("remove: %v", err)
	}
	fsys.Nput(child)

	got := blockEntries(t, readDirBlock(t, fsys, np, 0))
	want := []entrySpec{
		{"a", 21, 32},
		{"c", 23, 992},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("block after remove: %v", diff)
	}
	checkWellFormed(t, fsys, np)
	checkCounts(t, fsys, np)
}

// inserting and then removing a name leaves the same live entries,
// though free space may be arranged differently
func TestEnterThenRemoveInverse(t *testing.T) {
	fsys, _ := newTestFS(t)
	np := makeTestDir(t, fsys, buildBlock(t, fsys, []entrySpec{
		{"a", 0, 16},
		{"b", 27, 1008},
	}))
	defer fsys.Nput(np)

	var ds Dirstat
	if _, err := fsys.Lookup(np, "x", OpCreate, &ds); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup: %v", err)
	}
	if err := fsys.Direnter(np, "x", testNode(fsys, 29), &ds); err != nil {
		t.Fatalf("enter: %v", err)
	}
	var ds2 Dirstat
	child, err := fsys.Lookup(np, "x", OpRemove, &ds2)
	if err != nil {
		t.Fatalf("lookup for remove: %v", err)
	}
	if err := fsys.Dirremove(np, &ds2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	fsys.Nput(child)

	var live []entrySpec
	for _, e := range blockEntries(t, readDirBlock(t, fsys, np, 0)) {
		if e.Inum != 0 {
			e.RecLen = 0 // fragmentation may differ; compare identity only
			live = append(live, e)
		}
	}
	if diff := deep.Equal([]entrySpec{{"b", 27, 0}}, live); diff != nil {
		t.Errorf("live entries after insert and remove: %v", diff)
	}
	checkWellFormed(t, fsys, np)
	checkCounts(t, fsys, np)
}

func TestRewriteChangesOnlyInode(t *testing.T) {
	fsys, _ := newTestFS(t)
	np := makeTestDir(t, fsys, buildBlock(t, fsys, []entrySpec{
		{"a", 21, 16},
		{"b", 22, 1008},
	}))
	defer fsys.Nput(np)

	var ds Dirstat
	child, err := fsys.Lookup(np, "b", OpRename, &ds)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := fsys.Dirrewrite(np, testNode(fsys, 44), &ds); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	fsys.Nput(child)

	got := blockEntries(t, readDirBlock(t, fsys, np, 0))
	want := []entrySpec{
		{"a", 21, 16},
		{"b", 44, 1008},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("block after rewrite: %v", diff)
	}
	checkWellFormed(t, fsys, np)
}

func TestLookupRotatesFromHint(t *testing.T) {
	fsys, _ := newTestFS(t)
	blockFor := func(name string, inum uint32) []byte {
		return buildBlock(t, fsys, []entrySpec{
			{name, inum, 16},
			{"", 0, 1008},
		})
	}
	np := makeTestDir(t, fsys,
		blockFor("f0", 40),
		blockFor("f1", 41),
		blockFor("f2", 42),
	)
	defer fsys.Nput(np)

	child, err := fsys.Lookup(np, "f2", OpLookup, nil)
	if err != nil {
		t.Fatalf("lookup f2: %v", err)
	}
	fsys.Nput(child)
	if np.dir.idx != 2 {
		t.Fatalf("hint %d after finding f2, want 2", np.dir.idx)
	}

	// the next search starts at block 2 and must wrap to find f0
	child, err = fsys.Lookup(np, "f0", OpLookup, nil)
	if err != nil {
		t.Fatalf("lookup f0 from rotated hint: %v", err)
	}
	fsys.Nput(child)
	if np.dir.idx != 0 {
		t.Errorf("hint %d after finding f0, want 0", np.dir.idx)
	}
}

func TestLookupRejectsBadNames(t *testing.T) {
	fsys, _ := newTestFS(t)
	np, err := fsys.resolve("/")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	defer fsys.Nput(np)

	if _, err := fsys.Lookup(np, "", OpLookup, nil); !errors.Is(err, ErrInvalidName) {
		t.Errorf("empty name: %v", err)
	}
	long := strings.Repeat("q", NameMax+1)
	if _, err := fsys.Lookup(np, long, OpLookup, nil); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("overlong name: %v", err)
	}
	exact := strings.Repeat("q", NameMax)
	if _, err := fsys.Lookup(np, exact, OpLookup, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("name of exactly the maximum length: %v", err)
	}
}

// a corrupt block is skipped by lookup: names elsewhere still resolve
// and missing names degrade to not-found rather than an I/O error
func TestLookupSkipsCorruptBlock(t *testing.T) {
	fsys, _ := newTestFS(t)
	bad := make([]byte, fsys.superblock.blockSize) // recLen 0 everywhere
	good := buildBlock(t, fsys, []entrySpec{
		{"ok", 50, 16},
		{"", 0, 1008},
	})
	np := makeTestDir(t, fsys, bad, good)
	defer fsys.Nput(np)

	child, err := fsys.Lookup(np, "ok", OpLookup, nil)
	if err != nil {
		t.Fatalf("lookup past corrupt block: %v", err)
	}
	fsys.Nput(child)

	if _, err := fsys.Lookup(np, "missing", OpLookup, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup of missing name in corrupt directory: %v", err)
	}
}

func TestDirempty(t *testing.T) {
	fsys, _ := newTestFS(t)
	if err := fsys.Mkdir("/sub"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	root, err := fsys.resolve("/")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	empty, err := fsys.Dirempty(root)
	if err != nil {
		t.Fatalf("dirempty root: %v", err)
	}
	if empty {
		t.Error("root with a subdirectory reported empty")
	}
	fsys.Nput(root)

	sub, err := fsys.resolve("/sub")
	if err != nil {
		t.Fatalf("resolve sub: %v", err)
	}
	empty, err = fsys.Dirempty(sub)
	if err != nil {
		t.Fatalf("dirempty sub: %v", err)
	}
	if !empty {
		t.Error("fresh directory reported non-empty")
	}
	fsys.Nput(sub)
}

func TestLookupDot(t *testing.T) {
	fsys, _ := newTestFS(t)
	np, err := fsys.resolve("/")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	defer fsys.Nput(np)

	self, err := fsys.Lookup(np, ".", OpLookup, nil)
	if err != nil {
		t.Fatalf("lookup .: %v", err)
	}
	if self != np {
		t.Errorf("lookup of . returned a different node")
	}
	fsys.Nrele(self) // same node: the extra reference only
}

func TestLookupDotdot(t *testing.T) {
	fsys, _ := newTestFS(t)
	if err := fsys.Mkdir("/a"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	np, err := fsys.resolve("/a")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer fsys.Nput(np)

	parent, err := fsys.Lookup(np, "..", OpLookup, nil)
	if err != nil {
		t.Fatalf("lookup ..: %v", err)
	}
	if parent.Inum() != rootInodeNum {
		t.Errorf("parent inode %d, want root", parent.Inum())
	}
	// stability: with both locks held the entry still names the parent
	entries := blockEntries(t, readDirBlock(t, fsys, np, 0))
	if entries[1].Name != ".." || entries[1].Inum != parent.Inum() {
		t.Errorf("dotdot entry %+v does not match returned parent %d", entries[1], parent.Inum())
	}
	fsys.Nput(parent)
}

func TestLookupDotdotAtRoot(t *testing.T) {
	fsys, _ := newTestFS(t)
	np, err := fsys.resolve("/")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	defer fsys.Nput(np)

	if _, err := fsys.Lookup(np, "..", OpLookup, nil); !errors.Is(err, ErrWouldEscape) {
		t.Errorf("dotdot at root: %v", err)
	}
}

// while one goroutine repeatedly resolves "..", another renames the
// directory between two parents; every resolution must return a parent
// that the ".." entry still names under the held locks
func TestDotdotRetryUnderConcurrentRename(t *testing.T) {
	fsys, _ := newTestFS(t)
	for _, dir := range []string{"/a", "/c", "/a/b"} {
		if err := fsys.Mkdir(dir); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	np, err := fsys.resolve("/a/b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	np.Unlock() // keep the reference across the renames

	const iterations = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if err := fsys.Rename("/a/b", "/c/b"); err != nil {
				t.Errorf("rename to /c/b: %v", err)
				return
			}
			if err := fsys.Rename("/c/b", "/a/b"); err != nil {
				t.Errorf("rename to /a/b: %v", err)
				return
			}
		}
	}()

	for i := 0; i < iterations; i++ {
		np.Lock()
		parent, err := fsys.Lookup(np, "..", OpLookup, nil)
		if err != nil {
			np.Unlock()
			t.Fatalf("lookup ..: %v", err)
		}
		entries := blockEntries(t, readDirBlock(t, fsys, np, 0))
		if entries[1].Inum != parent.Inum() {
			t.Fatalf("dotdot entry names %d but lookup returned %d", entries[1].Inum, parent.Inum())
		}
		fsys.Nput(parent)
		np.Unlock()
	}

	wg.Wait()
	np.Lock()
	fsys.Nput(np)
}
