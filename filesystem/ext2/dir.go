package ext2

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Directory management. A directory's contents are a sequence of blocks,
// each packed with variable-length entries (see dirent.go). Lookup maps
// the directory, scans blocks in rotation from the last hit, and leaves
// behind a Dirstat describing where a subsequent mutation should land.
// The directory's lock must be held continuously from the lookup through
// the paired mutation, or the mutation will corrupt the directory.

// LookupOp is the follow-up operation a lookup is performed for
type LookupOp int

const (
	OpLookup LookupOp = iota
	OpCreate
	OpRemove
	OpRename
)

// SpecDotDot is ORed into a LookupOp for a ".." lookup whose caller has
// already handled the parent/child lock inversion out-of-band, so the
// retry protocol must not run.
const SpecDotDot LookupOp = 0x10

func (op LookupOp) base() LookupOp   { return op &^ SpecDotDot }
func (op LookupOp) specDotDot() bool { return op&SpecDotDot != 0 }

// slotStatus is where a pending mutation will operate
type slotStatus int

const (
	// no room found for a new entry yet
	slotLooking slotStatus = iota
	// the referenced entry is free and large enough
	slotTake
	// the referenced entry has enough spare room at its end
	slotShrink
	// the block has enough total room, but no single entry does, so the
	// live entries must be shifted to the front
	slotCompress
	// the directory must grow by a block to hold the entry
	slotExtend
	// for removal and rename, the location of the entry found
	slotHereTis
)

// Dirstat is the token a lookup leaves behind for its paired mutation.
// While active it owns the mapped directory window; it is invalidated by
// the mutation, by DropDirstat, or by any unlock of the directory.
type Dirstat struct {
	// op the follow-up operation this token authorizes; OpLookup means
	// the token is inactive and holds nothing
	op LookupOp

	stat slotStatus

	// win the mapped directory contents, owned until the mutation or drop
	win *mapWindow

	// idx the directory block the token refers to
	idx int

	// entryOff offset of the referenced entry within block idx. For
	// slotCompress this is the block's first entry; unused for slotExtend.
	entryOff int

	// prevOff offset of the entry immediately before entryOff in the
	// block, or -1 if entryOff is first. Only set for slotHereTis.
	prevOff int

	// nbytes for slotCompress, the bytes that compaction must copy
	nbytes int
}

// errNotHere the scanned block does not contain the name
var errNotHere = errors.New("entry not in this block")

func isDotDot(name string) bool {
	return len(name) == 2 && name[0] == '.' && name[1] == '.'
}

// scanBlock scan one directory block (index idx) for name. A single
// forward pass validates every entry, tracks candidate slots for a
// pending create in ds, and counts live entries. Returns the child inode
// number on a match; errNotHere if the name is not in this block, in
// which case the block's live count is recorded. A corrupt entry is
// logged and reported as errNotHere.
func (fs *FileSystem) scanBlock(dp *Node, block []byte, idx int, name string, op LookupOp, ds *Dirstat) (uint32, error) {
	var (
		nfree    int
		needed   int
		nbytes   int
		nentries int
		prevOff  = -1
		de       dirent
		found    bool

		looking          bool
		countCopies      bool
		considerCompress bool
	)

	if ds != nil && (ds.stat == slotLooking || ds.stat == slotCompress) {
		looking = true
		countCopies = true
		needed = minRecLen(len(name))
	}

	off := 0
	for off < len(block) {
		var err error
		de, err = decodeDirent(block, off)
		if err != nil {
			logger().WithFields(logrus.Fields{
				"inode":  dp.inum,
				"offset": idx*len(block) + off,
			}).WithError(err).Warning("bad directory entry")
			return 0, errNotHere
		}

		if looking || countCopies {
			// count how much free space this entry has in it
			var thisFree int
			if de.inode == 0 {
				thisFree = de.recLen
			} else {
				thisFree = de.recLen - minRecLen(de.nameLen)
			}

			// an entry not at the front of the block would have to be
			// copied by a compression; tally that cost too
			if countCopies && off != 0 {
				nbytes += minRecLen(de.nameLen)
			}

			if ds.stat == slotCompress && nbytes > ds.nbytes {
				// the previously found compress is better than this
				// one, so don't bother counting any more
				countCopies = false
			}

			if thisFree >= needed {
				ds.op = OpCreate
				if de.inode == 0 {
					ds.stat = slotTake
				} else {
					ds.stat = slotShrink
				}
				ds.entryOff = off
				ds.idx = idx
				looking = false
				countCopies = false
			} else {
				nfree += thisFree
				if nfree >= needed {
					considerCompress = true
				}
			}
		}

		if de.inode != 0 {
			nentries++
		}

		if de.nameLen == len(name) &&
			de.name[0] == name[0] &&
			de.inode != 0 &&
			string(de.name) == name {
			found = true
			break
		}

		prevOff = off
		off += de.recLen
	}

	if considerCompress &&
		(ds.stat == slotLooking || (ds.stat == slotCompress && ds.nbytes > nbytes)) {
		ds.op = OpCreate
		ds.stat = slotCompress
		ds.entryOff = 0
		ds.idx = idx
		ds.nbytes = nbytes
	}

	if !found {
		// the name is not in this block; because the entire block was
		// scanned, write down how many live entries it has
		dp.ensureCounts()
		if c := dp.dir.counts[idx]; c != countUnknown && c != nentries {
			panic(fmt.Sprintf("inode %d block %d: cached entry count %d, scanned %d",
				dp.inum, idx, c, nentries))
		}
		dp.dir.counts[idx] = nentries
		return 0, errNotHere
	}

	// we have found the required name
	if ds != nil {
		switch op.base() {
		case OpCreate:
			// the slot state gathered so far is invalid now
			ds.op = OpLookup
		case OpRemove, OpRename:
			ds.op = op.base()
			ds.stat = slotHereTis
			ds.entryOff = off
			ds.idx = idx
			ds.prevOff = prevOff
		}
	}

	return de.inode, nil
}

// resolveUnlocked resolve inum through the inode cache with dp's lock
// dropped, to avoid inversion against the target's lock, reacquiring
// dp's lock before returning. Whatever pointed at inum may have changed
// while unlocked; the caller must rescan and verify before trusting the
// result.
func (fs *FileSystem) resolveUnlocked(dp *Node, inum uint32) (*Node, error) {
	dp.Unlock()
	np, err := fs.CachedLookup(inum)
	dp.Lock()
	return np, err
}

// Lookup find name in the directory dp, which must be locked by the
// caller. op describes the intended follow-up; for OpCreate, OpRemove
// and OpRename the caller supplies a Dirstat that, on return, authorizes
// the paired mutation for as long as dp's lock is held.
//
// On a hit the child node is returned referenced and locked (for a ".."
// hit, via the retry protocol that reconciles the parent's lock with
// dp's). With SpecDotDot, a ".." hit for OpRemove or OpRename returns
// the parent only if it is already cached, without taking a reference
// or its lock, and a ".." hit for OpLookup consumes the caller's
// reference to dp and unlocks it. A miss returns ErrNotFound; for
// OpCreate and OpRename the
// Dirstat is still valid then and describes where the new entry goes.
func (fs *FileSystem) Lookup(dp *Node, name string, op LookupOp, ds *Dirstat) (*Node, error) {
	base := op.base()

	if (base == OpRemove || base == OpRename) && ds == nil {
		panic("Remove and Rename lookups require a Dirstat")
	}
	if dp.dir == nil {
		return nil, ErrNotDirectory
	}
	if name == "" {
		return nil, ErrInvalidName
	}
	if len(name) > NameMax {
		return nil, ErrNameTooLong
	}

	writable := base != OpLookup

	var (
		np          *Node
		retryDotdot uint32
	)

	for {
		if ds != nil {
			ds.op = OpLookup
			ds.win = nil
			ds.prevOff = -1
			ds.nbytes = 0
			if base == OpCreate || base == OpRename {
				ds.stat = slotLooking
			}
		}

		// map in the directory contents
		win, err := fs.mapNode(dp, writable)
		if err != nil {
			if np != nil {
				fs.Nput(np)
			}
			return nil, err
		}

		if !fs.readOnly {
			dp.setAtime = true
		}

		bs := int(fs.superblock.blockSize)
		nblocks := int(fs.blocksFor(dp.size))
		inum := uint32(0)

		// start the scan at the block the last lookup resolved in
		idx := dp.dir.idx
		if idx >= nblocks {
			idx = 0 // just in case
		}
		looped := idx == 0
		lastIdx := idx
		if lastIdx == 0 {
			lastIdx = nblocks
		}

		for !looped || idx < lastIdx {
			foundInum, scanErr := fs.scanBlock(dp, win.block(idx, bs), idx, name, base, ds)
			if scanErr == nil {
				dp.dir.idx = idx
				inum = foundInum
				break
			}

			idx++
			if idx >= nblocks && !looped {
				// we've gotten to the end; start back at the beginning
				looped = true
				idx = 0
			}
		}

		if !fs.readOnly {
			dp.setAtime = true
		}
		if fs.synchronous {
			if err := fs.nodeUpdate(dp, true); err != nil {
				win.discard()
				if np != nil {
					fs.Nput(np)
				}
				return nil, err
			}
		}

		var lookupErr error
		retry := false

		switch {
		case inum == 0:
			// not found; not an error yet for the mutating ops

		case !isDotDot(name):
			if inum == dp.inum {
				// "." or a hard link to the directory itself
				np = dp
				fs.Nref(np)
			} else {
				np, lookupErr = fs.CachedLookup(inum)
			}

		// we are looking up ".."
		case dp.inum == rootInodeNum:
			// the root's parent lies outside the filesystem
			lookupErr = ErrWouldEscape

		case retryDotdot != 0:
			if inum != retryDotdot {
				// drop what we *thought* was .. (but isn't any more)
				// and try again
				fs.Nput(np)
				np, lookupErr = fs.resolveUnlocked(dp, inum)
				if lookupErr == nil {
					retryDotdot = inum
					retry = true
				}
			}
			// otherwise we got the same answer with dp locked the whole
			// time, so np is already set properly

		case !op.specDotDot():
			// We can't resolve the parent while holding dp's lock
			// without inverting the lock order. Resolve it unlocked,
			// then repeat the scan to see if this is still right.
			np, lookupErr = fs.resolveUnlocked(dp, inum)
			if lookupErr == nil {
				retryDotdot = inum
				retry = true
			}

		// here below are the spec dotdot cases
		case base == OpRename || base == OpRemove:
			np = fs.FindIfCached(inum)

		case base == OpLookup:
			// the caller handed us its reference to dp in this variant
			fs.Nput(dp)
			np, lookupErr = fs.CachedLookup(inum)

		default:
			panic("spec dotdot lookup for create")
		}

		if retry {
			win.discard()
			continue
		}

		if (base == OpCreate || base == OpRename) && inum == 0 && ds != nil && ds.stat == slotLooking {
			// we didn't find any room, so mark ds to extend the dir
			ds.op = OpCreate
			ds.stat = slotExtend
			ds.idx = nblocks
		}

		// hand the mapping to the token, or release it
		if lookupErr != nil || ds == nil || ds.op == OpLookup {
			win.discard()
			if ds != nil {
				ds.op = OpLookup // set to be ignored by DropDirstat
			}
		} else {
			ds.win = win
		}

		if np != nil && lookupErr != nil {
			if !op.specDotDot() {
				if np == dp {
					fs.Nrele(np)
				} else {
					fs.Nput(np)
				}
			} else if base == OpLookup {
				fs.Nput(np)
			}
			// the spec dotdot Remove/Rename case took no reference
			np = nil
		}

		if lookupErr != nil {
			return nil, lookupErr
		}
		if inum == 0 {
			return nil, ErrNotFound
		}
		return np, nil
	}
}

// Direnter add np to the directory dp under name, consuming the Dirstat
// from the preceding lookup. Valid only if dp has been locked
// continuously since that lookup, and only if it returned ErrNotFound.
func (fs *FileSystem) Direnter(dp *Node, name string, np *Node, ds *Dirstat) error {
	if ds.op != OpCreate {
		panic("Direnter: Dirstat does not authorize a create")
	}
	if fs.readOnly {
		panic("Direnter on read-only filesystem")
	}

	bs := int(fs.superblock.blockSize)
	needed := minRecLen(len(name))
	stat := ds.stat

	dp.setMtime = true

	switch stat {
	case slotTake:
		// consume this free slot
		block := ds.win.block(ds.idx, bs)
		de := mustDecode(block, ds.entryOff)
		if de.inode != 0 || de.recLen < needed {
			panic("Direnter: take slot is not free or too small")
		}

		direntSetInode(block, ds.entryOff, np.inum)
		direntSetName(block, ds.entryOff, name)

	case slotShrink:
		// take the extra space at the end of this slot
		block := ds.win.block(ds.idx, bs)
		de := mustDecode(block, ds.entryOff)
		oldNeeded := minRecLen(de.nameLen)
		if de.recLen-oldNeeded < needed {
			panic("Direnter: shrink slot has insufficient slack")
		}

		newOff := ds.entryOff + oldNeeded
		direntSetInode(block, newOff, np.inum)
		direntSetRecLen(block, newOff, de.recLen-oldNeeded)
		direntSetName(block, newOff, name)

		direntSetRecLen(block, ds.entryOff, oldNeeded)

	case slotCompress:
		// move all the live entries to the front of the block, giving
		// each the minimum necessary room; this frees enough space for
		// the new entry
		block := ds.win.block(ds.idx, bs)
		fromOff := ds.entryOff
		toOff := ds.entryOff

		for fromOff < len(block) {
			de := mustDecode(block, fromOff)
			fromRecLen := de.recLen

			if de.inode != 0 {
				if fromOff < toOff {
					panic("Direnter: compress cursors crossed")
				}
				copy(block[toOff:toOff+fromRecLen], block[fromOff:fromOff+fromRecLen])
				newLen := minRecLen(de.nameLen)
				direntSetRecLen(block, toOff, newLen)
				toOff += newLen
			}
			fromOff += fromRecLen
		}

		totFreed := len(block) - toOff
		if totFreed < needed {
			panic("Direnter: compress freed less than needed")
		}

		direntSetInode(block, toOff, np.inum)
		direntSetRecLen(block, toOff, totFreed)
		direntSetName(block, toOff, name)

	case slotExtend:
		// extend the file
		if needed > bs {
			panic("Direnter: entry larger than a block")
		}

		oldSize := dp.size
		for oldSize+int64(bs) > dp.allocSize {
			// grow allocates whole blocks until allocSize covers the request
			if err := fs.grow(dp, oldSize+int64(bs)); err != nil {
				ds.win.discard()
				ds.op = OpLookup
				return err
			}
		}

		// the window's slack block gives us room to write before the
		// size changes
		off := int(oldSize)
		direntSetInode(ds.win.data, off, np.inum)
		direntSetRecLen(ds.win.data, off, bs)
		direntSetName(ds.win.data, off, name)

		dp.size = oldSize + int64(bs)
		dp.setCtime = true

	default:
		panic("Direnter: Dirstat has no usable slot")
	}

	dp.setMtime = true

	if err := ds.win.release(); err != nil {
		ds.op = OpLookup
		return err
	}
	ds.op = OpLookup

	if stat != slotExtend {
		// if we are keeping count of this block, keep it up to date
		if dp.dir.counts != nil && dp.dir.counts[ds.idx] != countUnknown {
			dp.dir.counts[ds.idx]++
		}
	} else {
		// it's cheap, so start a count here even if we weren't counting
		// anything at all
		nblocks := int(fs.blocksFor(dp.size))
		if dp.dir.counts == nil {
			dp.dir.counts = make([]int, nblocks)
			for i := range dp.dir.counts {
				dp.dir.counts[i] = countUnknown
			}
		} else {
			for len(dp.dir.counts) < nblocks {
				dp.dir.counts = append(dp.dir.counts, countUnknown)
			}
		}
		dp.dir.counts[ds.idx] = 1
	}

	return fs.fileUpdate(dp, true)
}

// Dirremove remove the entry the Dirstat references from dp. Valid only
// if dp has been locked continuously since the lookup that filled ds,
// and only if that lookup succeeded.
func (fs *FileSystem) Dirremove(dp *Node, ds *Dirstat) error {
	if ds.op != OpRemove || ds.stat != slotHereTis {
		panic("Dirremove: Dirstat does not authorize a remove")
	}
	if fs.readOnly {
		panic("Dirremove on read-only filesystem")
	}

	bs := int(fs.superblock.blockSize)
	block := ds.win.block(ds.idx, bs)

	dp.setMtime = true

	if ds.prevOff < 0 {
		// first in its block: leave a free slot of the same size
		direntSetInode(block, ds.entryOff, 0)
	} else {
		// absorb the entry's space into its predecessor
		prev := mustDecode(block, ds.prevOff)
		de := mustDecode(block, ds.entryOff)
		if ds.entryOff-ds.prevOff != prev.recLen {
			panic("Dirremove: predecessor does not abut entry")
		}
		direntSetRecLen(block, ds.prevOff, prev.recLen+de.recLen)
	}

	if err := ds.win.release(); err != nil {
		ds.op = OpLookup
		return err
	}
	ds.op = OpLookup

	// if we are keeping count of this block, keep it up to date
	if dp.dir.counts != nil && dp.dir.counts[ds.idx] != countUnknown {
		dp.dir.counts[ds.idx]--
	}

	return fs.fileUpdate(dp, true)
}

// Dirrewrite change the inode number on the entry the Dirstat
// references to np's. Valid only if dp has been locked continuously
// since the lookup that filled ds, and only if that lookup succeeded.
func (fs *FileSystem) Dirrewrite(dp *Node, np *Node, ds *Dirstat) error {
	if ds.op != OpRename || ds.stat != slotHereTis {
		panic("Dirrewrite: Dirstat does not authorize a rename")
	}
	if fs.readOnly {
		panic("Dirrewrite on read-only filesystem")
	}

	bs := int(fs.superblock.blockSize)
	block := ds.win.block(ds.idx, bs)

	direntSetInode(block, ds.entryOff, np.inum)
	dp.setMtime = true

	if err := ds.win.release(); err != nil {
		ds.op = OpLookup
		return err
	}
	ds.op = OpLookup

	return fs.fileUpdate(dp, true)
}

// DropDirstat cancel a pending mutation, releasing the token's mapping
// without applying anything. A Dirstat left inactive by its lookup is
// ignored.
func (fs *FileSystem) DropDirstat(_ *Node, ds *Dirstat) error {
	if ds.op != OpLookup {
		if ds.win == nil {
			panic("DropDirstat: active Dirstat without a mapping")
		}
		ds.win.discard()
		ds.op = OpLookup
	}
	return nil
}

// Dirempty whether dp contains no live entries besides "." and ".."
func (fs *FileSystem) Dirempty(dp *Node) (bool, error) {
	win, err := fs.mapNode(dp, false)
	if err != nil {
		return false, err
	}
	defer win.discard()

	if !fs.readOnly {
		dp.setAtime = true
	}

	bs := int(fs.superblock.blockSize)
	nblocks := int(fs.blocksFor(dp.size))
	hit := false

	for idx := 0; idx < nblocks && !hit; idx++ {
		block := win.block(idx, bs)
		for off := 0; off < len(block); {
			de, err := decodeDirent(block, off)
			if err != nil {
				return false, fmt.Errorf("inode %d block %d: %w", dp.inum, idx, ErrCorruptDirectory)
			}
			if de.inode != 0 {
				isDot := de.nameLen == 1 && de.name[0] == '.'
				if !isDot && !isDotDot(string(de.name)) {
					hit = true
					break
				}
			}
			off += de.recLen
		}
	}

	if !fs.readOnly {
		dp.setAtime = true
	}
	if fs.synchronous {
		if err := fs.nodeUpdate(dp, true); err != nil {
			return false, err
		}
	}

	return !hit, nil
}

// countDirents count the live entries in directory block nb and record
// the tally. As a side effect buf is filled with the block.
func (fs *FileSystem) countDirents(dp *Node, nb int, buf []byte) error {
	bs := int64(fs.superblock.blockSize)
	if dp.dir.counts == nil {
		panic("countDirents without a count cache")
	}
	if int64(nb+1)*bs > fs.blocksFor(dp.size)*bs {
		panic("countDirents past the end of the directory")
	}

	if err := fs.nodeRdwr(dp, buf, int64(nb)*bs, false); err != nil {
		return err
	}

	count := 0
	for off := 0; off < len(buf); {
		de, err := decodeDirent(buf, off)
		if err != nil {
			return fmt.Errorf("inode %d block %d: %w", dp.inum, nb, ErrCorruptDirectory)
		}
		if de.inode != 0 {
			count++
		}
		off += de.recLen
	}

	if c := dp.dir.counts[nb]; c != countUnknown && c != count {
		panic(fmt.Sprintf("inode %d block %d: cached entry count %d, counted %d", dp.inum, nb, c, count))
	}
	dp.dir.counts[nb] = count
	return nil
}

// retAlign returned directory records are aligned to this many bytes;
// must be a power of two.
const retAlign = 4

// Returned record layout, independent of the on-disk format:
//
//	bytes 0-3  inode number
//	bytes 4-5  record length, aligned to retAlign
//	bytes 6-7  name length
//	bytes 8-   name, NUL terminated
const retHeaderLength = 8

// GetDirects stream directory records starting at the live entry with
// ordinal start. Up to nentries records (-1 for no limit) are returned,
// and no more than bufsiz bytes (0 for no limit, in which case the
// worst case is allocated up front so emission cannot fail mid-stream).
// No record is ever split. Returns the packed records and how many
// there are.
//
// Unlike the lookup scanner, a malformed entry here is a hard error:
// output may already have been emitted, so there is no skip fallback.
func (fs *FileSystem) GetDirects(dp *Node, start, nentries, bufsiz int) ([]byte, int, error) {
	bs := int(fs.superblock.blockSize)
	nblks := int(fs.blocksFor(dp.size))

	dp.ensureCounts()

	// allocate enough space to hold the maximum we might return
	var allocSize int
	if bufsiz == 0 || bufsiz > int(dp.size) {
		// the returned format differs from the on-disk one, so allow
		// for the worst-case growth of every possible entry
		minEntrySize := minRecLen(0)
		minRetSize := retHeaderLength + 1
		maxEntries := int(dp.size) / minEntrySize
		entryExtra := retAlign
		if minRetSize > minEntrySize {
			entryExtra += minRetSize - minEntrySize
		}
		allocSize = int(dp.size) + maxEntries*entryExtra
	} else {
		allocSize = bufsiz
	}
	data := make([]byte, allocSize)

	// scan through the per-block counts to find the block holding the
	// start ordinal, tallying any block not yet counted
	buf := make([]byte, bs)
	bufValid := false
	curEntry := 0
	blkno := 0
	for ; blkno < nblks; blkno++ {
		if dp.dir.counts[blkno] == countUnknown {
			if err := fs.countDirents(dp, blkno, buf); err != nil {
				return nil, 0, err
			}
			bufValid = true
		}

		if curEntry+dp.dir.counts[blkno] > start {
			// the start ordinal is in this block
			break
		}
		curEntry += dp.dir.counts[blkno]
		bufValid = false
	}

	if blkno == nblks {
		// the start ordinal is past the last entry
		return nil, 0, nil
	}

	// skip forward within the block to the start ordinal
	bufp := 0
	if curEntry != start {
		if !bufValid {
			if err := fs.nodeRdwr(dp, buf, int64(blkno)*int64(bs), false); err != nil {
				return nil, 0, err
			}
			bufValid = true
		}
		for skipped := 0; skipped < start-curEntry && bufp < bs; {
			de, err := decodeDirent(buf, bufp)
			if err != nil {
				return nil, 0, fmt.Errorf("inode %d block %d: %w", dp.inum, blkno, ErrCorruptDirectory)
			}
			if de.inode != 0 {
				skipped++
			}
			bufp += de.recLen
		}
		if bufp >= bs {
			panic("GetDirects: ran off the block seeking the start ordinal")
		}
	}

	// copy the entries, one at a time
	count := 0
	datap := 0
	for (nentries == -1 || count < nentries) &&
		(bufsiz == 0 || datap < bufsiz) &&
		blkno < nblks {
		if !bufValid {
			if err := fs.nodeRdwr(dp, buf, int64(blkno)*int64(bs), false); err != nil {
				return nil, 0, err
			}
			bufValid = true
			bufp = 0
		}

		de, err := decodeDirent(buf, bufp)
		if err != nil {
			logger().WithFields(logrus.Fields{
				"inode":  dp.inum,
				"offset": blkno*bs + bufp,
			}).WithError(err).Warning("bad directory entry")
			return nil, 0, fmt.Errorf("inode %d block %d: %w", dp.inum, blkno, ErrCorruptDirectory)
		}

		if de.inode != 0 {
			// header + name + NUL, padded to alignment
			recLen := (retHeaderLength + de.nameLen + 1 + retAlign - 1) &^ (retAlign - 1)

			if bufsiz == 0 {
				// cannot happen: we allocated the worst case
				if datap+recLen > allocSize {
					panic("GetDirects: worst-case return buffer overrun")
				}
			} else if datap+recLen > bufsiz {
				// just leave off returning this entry
				break
			}

			binary.LittleEndian.PutUint32(data[datap:datap+4], de.inode)
			binary.LittleEndian.PutUint16(data[datap+4:datap+6], uint16(recLen))
			binary.LittleEndian.PutUint16(data[datap+6:datap+8], uint16(de.nameLen))
			copy(data[datap+retHeaderLength:], de.name)
			data[datap+retHeaderLength+de.nameLen] = 0

			datap += recLen
			count++
		}

		bufp += de.recLen
		if bufp == bs {
			blkno++
			bufValid = false
		}
	}

	return data[:datap], count, nil
}

// mustDecode decode an entry that an earlier scan already validated
// under the same continuously-held lock
func mustDecode(block []byte, off int) dirent {
	de, err := decodeDirent(block, off)
	if err != nil {
		panic(fmt.Sprintf("validated directory entry no longer decodes: %v", err))
	}
	return de
}
