package volume_test

import (
	"testing"

	"github.com/distr1/qrfs/internal/volume"
)

func newTestVolume(t *testing.T) *volume.Volume {
	t.Helper()
	return volume.New(t.TempDir(), 64*1024, 4096)
}

func TestNewRootInvariants(t *testing.T) {
	t.Parallel()
	v := newTestVolume(t)
	if err := v.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants() = %v", err)
	}
	root := v.GetInode(volume.RootIno)
	if root == nil {
		t.Fatal("root inode missing")
	}
	if root.Name != "." {
		t.Errorf("root.Name = %q, want %q", root.Name, ".")
	}
	if root.Kind != volume.KindDirectory {
		t.Errorf("root.Kind = %v, want Directory", root.Kind)
	}
}

func TestAllocateInoMkdirWriteReference(t *testing.T) {
	t.Parallel()
	v := newTestVolume(t)

	ino := v.AllocateIno()
	if ino == 0 {
		t.Fatal("AllocateIno() = 0, want a free slot")
	}
	if ino == volume.RootIno {
		t.Fatalf("AllocateIno() = %d, collides with root", ino)
	}

	dir := &volume.Inode{Ino: ino, Name: "docs", Kind: volume.KindDirectory}
	v.WriteInode(dir)

	slot := v.FreeReferenceSlot(volume.RootIno)
	if slot < 0 {
		t.Fatal("FreeReferenceSlot(root) < 0")
	}
	v.WriteReference(volume.RootIno, slot, ino)

	if err := v.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants() = %v", err)
	}

	got := v.FindChild(volume.RootIno, "docs")
	if got == nil || got.Ino != ino {
		t.Fatalf("FindChild(root, docs) = %v, want ino %d", got, ino)
	}
}

func TestFindChildTrimsQueryWhitespace(t *testing.T) {
	t.Parallel()
	v := newTestVolume(t)

	ino := v.AllocateIno()
	v.WriteInode(&volume.Inode{Ino: ino, Name: "x", Kind: volume.KindRegularFile})
	slot := v.FreeReferenceSlot(volume.RootIno)
	v.WriteReference(volume.RootIno, slot, ino)

	got := v.FindChild(volume.RootIno, "  x\t")
	if got == nil || got.Ino != ino {
		t.Fatalf("FindChild with whitespace-padded query = %v, want ino %d", got, ino)
	}
}

func TestAllocateInoExhaustion(t *testing.T) {
	t.Parallel()
	v := volume.New(t.TempDir(), 8*4096, 4096) // max_files depends only on block_size; memory size only sizes the block pool

	var allocated []uint64
	for {
		ino := v.AllocateIno()
		if ino == 0 {
			break
		}
		v.WriteInode(&volume.Inode{Ino: ino, Name: "f", Kind: volume.KindRegularFile})
		allocated = append(allocated, ino)
		if len(allocated) > 10000 {
			t.Fatal("AllocateIno never reported exhaustion")
		}
	}
	if v.AllocateIno() != 0 {
		t.Fatal("AllocateIno() != 0 after exhaustion")
	}
}

func TestWriteBlockOverflowPanics(t *testing.T) {
	t.Parallel()
	v := newTestVolume(t)

	defer func() {
		if recover() == nil {
			t.Fatal("WriteBlock with oversized payload did not panic")
		}
	}()
	v.WriteBlock(0, make([]byte, v.BlockSize+1))
}

func TestWriteInodeRejectsOversizedName(t *testing.T) {
	t.Parallel()
	v := newTestVolume(t)

	ino := v.AllocateIno()
	longName := make([]byte, v.BlockSize)
	for i := range longName {
		longName[i] = 'a'
	}
	v.WriteInode(&volume.Inode{Ino: ino, Name: string(longName), Kind: volume.KindRegularFile})

	if v.GetInode(ino) != nil {
		t.Fatal("WriteInode wrote an inode whose serialized size exceeds BlockSize")
	}
}

func TestClearReferencePanicsWhenMissing(t *testing.T) {
	t.Parallel()
	v := newTestVolume(t)

	defer func() {
		if recover() == nil {
			t.Fatal("ClearReference of an absent child did not panic")
		}
	}()
	v.ClearReference(volume.RootIno, 9999)
}

func TestStatFormula(t *testing.T) {
	t.Parallel()
	v := volume.New(t.TempDir(), 8*4096, 4096)

	block := v.AllocateBlock()
	v.WriteBlock(block, []byte("hi"))

	stat := v.Stat()
	if stat.BFree != stat.BAvail {
		t.Errorf("BFree=%d != BAvail=%d", stat.BFree, stat.BAvail)
	}
	if stat.Files+stat.FFree != uint64(v.MaxFiles) {
		t.Errorf("Files+FFree = %d, want MaxFiles %d", stat.Files+stat.FFree, v.MaxFiles)
	}
}
