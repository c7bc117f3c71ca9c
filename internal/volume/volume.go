// Package volume owns the fixed-capacity inode table and data-block pool
// that back a qrfs mount: the only unit of mutable state a session holds.
package volume

import (
	"log"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// NameLen is the maximum byte length of an inode's name.
const NameLen = 64

// MaxFilesDirectory is the fixed number of reference slots a directory
// inode carries.
const MaxFilesDirectory = 64

// RootIno is the inode number of the volume root. It is always present
// and is never removed or renamed.
const RootIno = 1

// Kind enumerates the inode type tag. Declaration order fixes the wire
// tag used by the codec (package codec depends on this order).
type Kind uint8

const (
	KindNamedPipe Kind = iota
	KindCharDevice
	KindBlockDevice
	KindDirectory
	KindRegularFile
	KindSymlink
	KindSocket
)

// Timespec is a (seconds, nanoseconds) pair, the wire shape every
// timestamp field uses.
type Timespec struct {
	Sec  int64
	Nsec int32
}

func timespecNow() Timespec {
	now := time.Now()
	return Timespec{Sec: now.Unix(), Nsec: int32(now.Nanosecond())}
}

// Times bundles the four timestamps an inode carries.
type Times struct {
	Atime Timespec
	Mtime Timespec
	Ctime Timespec
	Crtime Timespec
}

// Inode is the administrative record for one filesystem object.
type Inode struct {
	Ino   uint64
	Name  string
	Kind  Kind
	Size  uint64
	Blocks uint64
	Times Times
	Perm  uint32
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Rdev  uint32
	Flags uint32

	// References holds, for a Directory, the ino of each present child in
	// an ordered, fixed-length vector of MaxFilesDirectory optional
	// slots (0 meaning empty, since ino 0 never occurs); for a
	// RegularFile, slot 0 is the data block index (offset by one for the
	// same reason) and the remaining slots are unused.
	References [MaxFilesDirectory]uint64
}

// IsDirectory reports whether the inode is a Directory.
func (i *Inode) IsDirectory() bool { return i.Kind == KindDirectory }

// IsRegularFile reports whether the inode is a RegularFile.
func (i *Inode) IsRegularFile() bool { return i.Kind == KindRegularFile }

// Volume owns the inode table and the data-block pool. It is the single
// repository of mutable state for a mount; no package-level mutable
// storage is used anywhere in this module.
type Volume struct {
	RootPath  string
	MaxFiles  int
	BlockSize int

	superBlock []*Inode
	blocks     [][]byte // nil entry means empty slot
}

// New constructs a Volume sized from memory_size and block_size, and
// stamps the root inode (ino 1, Directory) with the calling process's
// effective uid/gid and the current wall clock.
func New(rootPath string, memorySize, blockSize int) *Volume {
	maxFiles := blockSize / inodeSlotSize
	poolLen := memorySize/blockSize - 1

	v := &Volume{
		RootPath:   rootPath,
		MaxFiles:   maxFiles,
		BlockSize:  blockSize,
		superBlock: make([]*Inode, maxFiles),
		blocks:     make([][]byte, poolLen),
	}

	now := timespecNow()
	root := &Inode{
		Ino:  RootIno,
		Name: ".",
		Kind: KindDirectory,
		Perm: 0o755,
		Uid:  uint32(unix.Getuid()),
		Gid:  uint32(unix.Getgid()),
		Times: Times{
			Atime: now, Mtime: now, Ctime: now, Crtime: now,
		},
	}
	v.superBlock[0] = root
	return v
}

// inodeSlotSize is the size of one inode-table slot: superBlock holds one
// *Inode pointer per slot, 8 bytes on a 64-bit platform. It is used only
// to size max_files: max_files = block_size / inodeSlotSize (512 for a
// 4096-byte block).
const inodeSlotSize = 8

// AllocateIno returns the smallest free inode slot (as ino = index+1),
// reserving the last slot so statfs/scan loops never run the table to
// its literal end. It returns 0 (never a valid ino) when full.
func (v *Volume) AllocateIno() uint64 {
	for i := 0; i < len(v.superBlock)-1; i++ {
		if v.superBlock[i] == nil {
			return uint64(i + 1)
		}
	}
	return 0
}

// AllocateBlock returns the smallest free block index, with the same
// reservation rule as AllocateIno. It returns -1 when full.
func (v *Volume) AllocateBlock() int {
	for i := 0; i < len(v.blocks)-1; i++ {
		if v.blocks[i] == nil {
			return i
		}
	}
	return -1
}

// codecFixedOverhead is the byte cost of every fixed-width field package
// codec's Encode writes for one inode: the 2-byte name-length prefix,
// Ino/Size/Blocks (3*8), the four (Sec int64, Nsec int32) timestamps
// (4*12), the 1-byte kind tag, Perm/Nlink/Uid/Gid/Rdev/Flags (6*4), the
// 2-byte reference count, and MaxFilesDirectory (tag byte + uint64
// value) reference slots. It must track codec.Encode's layout; this
// package can't import codec directly (codec already imports volume).
const codecFixedOverhead = 2 + 3*8 + 4*12 + 1 + 6*4 + 2 + MaxFilesDirectory*(1+8)

// serializedSize estimates the byte length codec.Encode would produce
// for ino, without depending on the codec package.
func (ino *Inode) serializedSize() int {
	return codecFixedOverhead + len(ino.Name)
}

// WriteInode places ino at index ino.Ino-1. If ino's serialized form
// would not fit in one block, it logs the rejection and leaves the slot
// untouched rather than writing a record persist/restore could never
// round-trip.
func (v *Volume) WriteInode(ino *Inode) {
	if size := ino.serializedSize(); size > v.BlockSize {
		log.Printf("volume: WriteInode(ino=%d, name=%q): serialized size %d exceeds block size %d, dropped", ino.Ino, ino.Name, size, v.BlockSize)
		return
	}
	v.superBlock[ino.Ino-1] = ino
}

// RemoveInode clears the slot for ino. It does not cascade to data
// blocks or references; callers are responsible for clearing those
// first.
func (v *Volume) RemoveInode(ino uint64) {
	v.superBlock[ino-1] = nil
}

// WriteBlock replaces the block at index with data. It panics with
// BlockOverflow-class behavior if data exceeds BlockSize: an oversized
// block is an invariant violation severe enough to terminate the
// process rather than be recovered from.
func (v *Volume) WriteBlock(index int, data []byte) {
	if len(data) > v.BlockSize {
		panic(xerrors.Errorf("BlockOverflow: %d bytes exceeds block size %d", len(data), v.BlockSize))
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	v.blocks[index] = buf
}

// ReadBlock returns the bytes stored at index, or nil if the slot is
// empty.
func (v *Volume) ReadBlock(index int) []byte {
	return v.blocks[index]
}

// Stat reports the full statfs formula
// (blocks/bfree/bavail/files/ffree/bsize/namelen/fragment_size),
// independent of whatever subset of fields the kernel bridge's own
// StatFSOp type happens to expose.
type Stat struct {
	Blocks       uint64
	BFree        uint64
	BAvail       uint64
	Files        uint64
	FFree        uint64
	BSize        uint32
	NameLen      uint32
	FragmentSize uint64
}

func (v *Volume) Stat() Stat {
	blocks := uint64(len(v.blocks))
	firstFree := uint64(v.firstFreeBlockIndex())
	return Stat{
		Blocks:       blocks,
		BFree:        blocks - firstFree,
		BAvail:       blocks - firstFree,
		Files:        firstFree,
		FFree:        uint64(v.MaxFiles) - firstFree,
		BSize:        uint32(v.BlockSize),
		NameLen:      NameLen,
		FragmentSize: blocks,
	}
}

func (v *Volume) firstFreeBlockIndex() int {
	for i, b := range v.blocks {
		if b == nil {
			return i
		}
	}
	return len(v.blocks)
}

// FreeBlock clears the block at index.
func (v *Volume) FreeBlock(index int) {
	v.blocks[index] = nil
}

// GetInode returns the inode at ino, or nil if absent.
func (v *Volume) GetInode(ino uint64) *Inode {
	if ino < 1 || int(ino) > len(v.superBlock) {
		return nil
	}
	return v.superBlock[ino-1]
}

// FreeReferenceSlot returns the smallest empty reference slot index of
// parent, or -1 if parent is absent or full.
func (v *Volume) FreeReferenceSlot(parentIno uint64) int {
	parent := v.GetInode(parentIno)
	if parent == nil {
		return -1
	}
	for i, r := range parent.References {
		if r == 0 {
			return i
		}
	}
	return -1
}

// WriteReference sets parent's reference slot to childIno. It panics if
// parentIno is absent: a reference write against a nonexistent parent is
// an invariant violation, not a recoverable error.
func (v *Volume) WriteReference(parentIno uint64, slot int, childIno uint64) {
	parent := v.GetInode(parentIno)
	if parent == nil {
		panic(xerrors.Errorf("WriteReference: parent ino %d absent", parentIno))
	}
	parent.References[slot] = childIno
}

// ClearReference finds the first slot of parent whose value equals
// childIno and clears it. It panics if parent is absent or no such slot
// exists.
func (v *Volume) ClearReference(parentIno, childIno uint64) {
	parent := v.GetInode(parentIno)
	if parent == nil {
		panic(xerrors.Errorf("ClearReference: parent ino %d absent", parentIno))
	}
	for i, r := range parent.References {
		if r == childIno {
			parent.References[i] = 0
			return
		}
	}
	panic(xerrors.Errorf("ClearReference: child ino %d not found under parent %d", childIno, parentIno))
}

// FindChild performs a linear scan of parent's present references,
// comparing each child's name to name under byte equality after
// trimming ASCII whitespace from the query side. It returns nil if
// parent is absent or no child matches.
func (v *Volume) FindChild(parentIno uint64, name string) *Inode {
	parent := v.GetInode(parentIno)
	if parent == nil {
		return nil
	}
	trimmed := trimASCIISpace(name)
	for _, r := range parent.References {
		if r == 0 {
			continue
		}
		child := v.GetInode(r)
		if child == nil {
			continue // a present reference to an absent inode is a broken invariant; callers detect this separately
		}
		if child.Name == trimmed {
			return child
		}
	}
	return nil
}

func trimASCIISpace(s string) string {
	start, end := 0, len(s)
	for start < end && isASCIISpace(s[start]) {
		start++
	}
	for end > start && isASCIISpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isASCIISpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

// CheckInvariants walks every structural invariant the volume must hold
// and returns the first violation found, or nil if well-formed. It is
// intended for tests, the same self-auditing checkInvariants idiom
// distri uses in its own in-memory structure tests.
func (v *Volume) CheckInvariants() error {
	root := v.GetInode(RootIno)
	if root == nil || root.Ino != RootIno || root.Kind != KindDirectory {
		return xerrors.Errorf("invariant 1 violated: root inode missing or malformed")
	}

	seenChild := make(map[uint64]uint64) // child ino -> owning parent ino

	for i, ino := range v.superBlock {
		if ino == nil {
			continue
		}
		if ino.Ino != uint64(i+1) {
			return xerrors.Errorf("invariant 2 violated: inode at slot %d has ino %d", i, ino.Ino)
		}
		if ino.IsDirectory() {
			for _, r := range ino.References {
				if r == 0 {
					continue
				}
				if v.GetInode(r) == nil {
					return xerrors.Errorf("invariant 3 violated: dir %d references absent inode %d", ino.Ino, r)
				}
				if owner, ok := seenChild[r]; ok && owner != ino.Ino {
					return xerrors.Errorf("invariant 5 violated: inode %d referenced by both %d and %d", r, owner, ino.Ino)
				}
				seenChild[r] = ino.Ino
			}
			seen := make(map[string]bool)
			for _, r := range ino.References {
				if r == 0 {
					continue
				}
				child := v.GetInode(r)
				if child == nil {
					continue
				}
				if seen[child.Name] {
					return xerrors.Errorf("invariant 6 violated: duplicate name %q under parent %d", child.Name, ino.Ino)
				}
				seen[child.Name] = true
			}
		}
		if ino.IsRegularFile() {
			blockIdx := ino.References[0]
			if blockIdx == 0 || int(blockIdx-1) >= len(v.blocks) || v.blocks[blockIdx-1] == nil {
				return xerrors.Errorf("invariant 4 violated: file %d references absent block", ino.Ino)
			}
		}
	}

	referencedBlocks := make(map[int]bool)
	for _, ino := range v.superBlock {
		if ino == nil || !ino.IsRegularFile() {
			continue
		}
		referencedBlocks[int(ino.References[0]-1)] = true
	}
	for i, b := range v.blocks {
		if (b != nil) != referencedBlocks[i] {
			return xerrors.Errorf("invariant 7 violated: block %d presence does not match references", i)
		}
	}

	return nil
}
