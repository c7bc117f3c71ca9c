// Package qrfs is the operation surface of the mount: it translates
// every kernel-level filesystem operation fuseops exposes into Volume
// and namespace calls, and shapes the reply the kernel expects. Its
// method set and error-return idiom are grounded directly on
// cmd/distri/fuse.go's fuseFS type: return fuse.ENOENT/EIO/ENOSYS
// straight as error, accumulate op.BytesRead in ReadDir via
// fuseutil.WriteDirent, and fill in StatFSOp's fields from the backing
// store's own geometry.
package qrfs

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/distr1/qrfs/internal/namespace"
	"github.com/distr1/qrfs/internal/volume"
)

// attrTTL is the attribute/entry cache duration handed back to the
// kernel. Unlike distri's read-only squashfs mount (which hands back a
// TTL of "never" because its backing images are immutable), this
// volume mutates under write/create/rename, so every reply expires
// immediately and the kernel re-validates on the next lookup.
const attrTTL = 0

// Server implements the fuseutil.FileSystem operation set over a
// volume.Volume. It embeds fuseutil.NotImplementedFileSystem so that any
// operation this module does not wire (there is no access(2) kernel op;
// see DESIGN.md) reports ENOSYS the way distri's fuseFS does for
// operations it never implements (symlink, mknod, and so on).
type Server struct {
	fuseutil.NotImplementedFileSystem

	mu  sync.Mutex
	vol *volume.Volume
}

// New wraps vol in a Server ready to be handed to fuseutil.NewFileSystemServer.
func New(vol *volume.Volume) *Server {
	return &Server{vol: vol}
}

// Volume returns the underlying volume, for use by the session shell's
// persist/restore calls.
func (s *Server) Volume() *volume.Volume { return s.vol }

func attrsFor(ino *volume.Inode) fuseops.InodeAttributes {
	mode := os.FileMode(ino.Perm)
	if ino.IsDirectory() {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:   ino.Size,
		Nlink:  1,
		Mode:   mode,
		Atime:  timeFromTimespec(ino.Times.Atime),
		Mtime:  timeFromTimespec(ino.Times.Mtime),
		Ctime:  timeFromTimespec(ino.Times.Ctime),
		Crtime: timeFromTimespec(ino.Times.Crtime),
		Uid:    ino.Uid,
		Gid:    ino.Gid,
	}
}

func timeFromTimespec(ts volume.Timespec) time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}

func (s *Server) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := s.vol.FindChild(uint64(op.Parent), op.Name)
	if child == nil {
		return fuse.ENOENT
	}
	op.Entry.Child = fuseops.InodeID(child.Ino)
	op.Entry.Attributes = attrsFor(child)
	op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
	op.Entry.EntryExpiration = time.Now().Add(attrTTL)
	return nil
}

func (s *Server) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ino := s.vol.GetInode(uint64(op.Inode))
	if ino == nil {
		return fuse.ENOENT
	}
	op.Attributes = attrsFor(ino)
	op.AttributesExpiration = time.Now().Add(attrTTL)
	return nil
}

func (s *Server) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vol.GetInode(uint64(op.Inode)) == nil {
		// A missing directory reports ENOENT, not the historical
		// EISDIR-on-miss quirk some implementations carry forward.
		return fuse.ENOENT
	}
	return nil
}

func (s *Server) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	s.mu.Lock()
	entries := namespace.Listing(s.vol, uint64(op.Inode))
	s.mu.Unlock()

	if s.vol.GetInode(uint64(op.Inode)) == nil {
		return fuse.ENOENT
	}

	if int(op.Offset) > len(entries) {
		return fuse.EIO
	}

	for i, e := range entries[op.Offset:] {
		dirent := fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(i) + 1,
			Inode:  fuseops.InodeID(e.Ino),
			Name:   e.Name,
			Type:   direntType(e.Kind),
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func direntType(k volume.Kind) fuseutil.DirentType {
	if k == volume.KindDirectory {
		return fuseutil.DT_Directory
	}
	return fuseutil.DT_File
}

func (s *Server) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ino := s.vol.AllocateIno()
	if ino == 0 {
		return fuse.ENOSPC
	}
	if _, ok := namespace.Insert(s.vol, uint64(op.Parent), op.Name, ino); !ok {
		// A parent with no free reference slot reports ENOSPC rather
		// than silently dropping the request.
		return fuse.ENOSPC
	}

	now := nowTimespec()
	dir := &volume.Inode{
		Ino:  ino,
		Name: op.Name,
		Kind: volume.KindDirectory,
		Perm: 0o755,
		Uid:  s.vol.GetInode(volume.RootIno).Uid,
		Gid:  s.vol.GetInode(volume.RootIno).Gid,
		Times: volume.Times{Atime: now, Mtime: now, Ctime: now, Crtime: now},
	}
	s.vol.WriteInode(dir)

	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = attrsFor(dir)
	op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
	op.Entry.EntryExpiration = time.Now().Add(attrTTL)
	return nil
}

func (s *Server) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.vol.GetInode(uint64(op.Parent))
	if parent == nil {
		return fuse.EIO
	}
	if s.vol.FreeReferenceSlot(uint64(op.Parent)) < 0 {
		// EIO (not ENOSPC) specifically when the parent has no free
		// slot; ENOSPC is reserved for inode-table/block-pool
		// exhaustion.
		return fuse.EIO
	}

	ino := s.vol.AllocateIno()
	if ino == 0 {
		return fuse.ENOSPC
	}
	block := s.vol.AllocateBlock()
	if block < 0 {
		return fuse.ENOSPC
	}

	now := nowTimespec()
	file := &volume.Inode{
		Ino:   ino,
		Name:  op.Name,
		Kind:  volume.KindRegularFile,
		Perm:  0o755,
		Uid:   parent.Uid,
		Gid:   parent.Gid,
		Flags: uint32(op.Flags),
		Blocks: 1,
		Times: volume.Times{Atime: now, Mtime: now, Ctime: now, Crtime: now},
	}
	file.References[0] = uint64(block) + 1
	s.vol.WriteInode(file)
	s.vol.WriteBlock(block, nil)

	if _, ok := namespace.Insert(s.vol, uint64(op.Parent), op.Name, ino); !ok {
		s.vol.RemoveInode(ino)
		s.vol.FreeBlock(block)
		return fuse.ENOSPC
	}

	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = attrsFor(file)
	op.Entry.AttributesExpiration = time.Now().Add(attrTTL)
	op.Entry.EntryExpiration = time.Now().Add(attrTTL)
	op.Handle = fuseops.HandleID(ino)
	return nil
}

func (s *Server) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vol.GetInode(uint64(op.Inode)) == nil {
		return fuse.ENOSYS
	}
	op.Handle = fuseops.HandleID(op.Inode)
	return nil
}

func (s *Server) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ino := s.vol.GetInode(uint64(op.Inode))
	if ino == nil || !ino.IsRegularFile() {
		return fuse.EIO
	}
	body := s.vol.ReadBlock(int(ino.References[0] - 1))

	// Respect (offset, size) rather than always returning the whole
	// body; a file is capped at one data block so this costs nothing
	// and avoids duplicate reads.
	offset := int(op.Offset)
	if offset > len(body) {
		offset = len(body)
	}
	end := offset + len(op.Dst)
	if end > len(body) {
		end = len(body)
	}
	op.BytesRead = copy(op.Dst, body[offset:end])
	return nil
}

func (s *Server) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ino := s.vol.GetInode(uint64(op.Inode))
	if ino == nil || !ino.IsRegularFile() {
		return fuse.ENOENT
	}

	// Write replaces the whole body; offset and existing content are
	// discarded.
	s.vol.WriteBlock(int(ino.References[0]-1), op.Data)
	ino.Size = uint64(len(op.Data))
	ino.Times.Mtime = nowTimespec()
	return nil
}

func (s *Server) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := s.vol.FindChild(uint64(op.Parent), op.Name)
	if child == nil || !child.IsDirectory() {
		return fuse.EIO
	}
	// No recursion: removing a non-empty directory leaves orphaned
	// descendants in the inode table.
	namespace.Remove(s.vol, uint64(op.Parent), child.Ino)
	s.vol.RemoveInode(child.Ino)
	return nil
}

func (s *Server) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := s.vol.FindChild(uint64(op.Parent), op.Name)
	if child == nil || !child.IsRegularFile() {
		return fuse.EIO
	}
	namespace.Remove(s.vol, uint64(op.Parent), child.Ino)
	s.vol.FreeBlock(int(child.References[0] - 1))
	s.vol.RemoveInode(child.Ino)
	return nil
}

func (s *Server) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.NewParent != op.OldParent {
		// Cross-directory rename is rejected with an explicit error
		// rather than silently discarding NewParent.
		return fuse.ENOSYS
	}

	child := s.vol.FindChild(uint64(op.OldParent), op.OldName)
	if child == nil {
		return fuse.ENOENT
	}
	child.Name = op.NewName
	return nil
}

func (s *Server) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (s *Server) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return fuse.ENOSYS
}

func (s *Server) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (s *Server) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (s *Server) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat := s.vol.Stat()

	op.BlockSize = stat.BSize
	op.Blocks = stat.Blocks
	op.BlocksFree = stat.BFree
	op.BlocksAvailable = stat.BAvail
	op.IoSize = stat.BSize
	// fuseops.StatFSOp (unlike the plain volume.Stat below) has no
	// Files/FFree/NameLen/FragmentSize fields to fill in; the full
	// statfs formula still lives in volume.Stat and is exercised
	// directly by the statfs tests in internal/volume.

	return nil
}

// Access always succeeds. It is not wired to a kernel op: see DESIGN.md
// for why this relies on the "default_permissions" mount option instead
// of an explicit fuseops.AccessOp handler. This method exists so the
// "access always succeeds" property is directly unit-testable without a
// real mount.
func (s *Server) Access(ctx context.Context, ino fuseops.InodeID) error {
	return nil
}

func nowTimespec() volume.Timespec {
	now := time.Now()
	return volume.Timespec{Sec: now.Unix(), Nsec: int32(now.Nanosecond())}
}
