package namespace_test

import (
	"testing"

	"github.com/distr1/qrfs/internal/namespace"
	"github.com/distr1/qrfs/internal/volume"
)

func TestListingSynthesizesDotAndDotDot(t *testing.T) {
	t.Parallel()
	v := volume.New(t.TempDir(), 64*1024, 4096)

	entries := namespace.Listing(v, volume.RootIno)
	if len(entries) != 2 {
		t.Fatalf("Listing(empty root) = %v, want exactly . and ..", entries)
	}
	if entries[0].Name != "." || entries[1].Name != ".." {
		t.Fatalf("Listing(empty root) = %v, want [. ..]", entries)
	}
}

func TestInsertRejectsDuplicateName(t *testing.T) {
	t.Parallel()
	v := volume.New(t.TempDir(), 64*1024, 4096)

	inoA := v.AllocateIno()
	v.WriteInode(&volume.Inode{Ino: inoA, Name: "docs", Kind: volume.KindDirectory})
	if _, ok := namespace.Insert(v, volume.RootIno, "docs", inoA); !ok {
		t.Fatal("first Insert(docs) failed")
	}

	inoB := v.AllocateIno()
	v.WriteInode(&volume.Inode{Ino: inoB, Name: "docs", Kind: volume.KindDirectory})
	if _, ok := namespace.Insert(v, volume.RootIno, "docs", inoB); ok {
		t.Fatal("second Insert(docs) succeeded, want rejection on duplicate name")
	}
}

func TestInsertBoundaryAtMaxFilesDirectory(t *testing.T) {
	t.Parallel()
	v := volume.New(t.TempDir(), 1<<20, 4096)

	for i := 0; i < volume.MaxFilesDirectory; i++ {
		ino := v.AllocateIno()
		if ino == 0 {
			t.Fatalf("AllocateIno() exhausted after %d entries, want %d", i, volume.MaxFilesDirectory)
		}
		name := string(rune('0' + i))
		v.WriteInode(&volume.Inode{Ino: ino, Name: name, Kind: volume.KindDirectory})
		if _, ok := namespace.Insert(v, volume.RootIno, name, ino); !ok {
			t.Fatalf("Insert #%d failed before reaching MaxFilesDirectory", i)
		}
	}

	ino := v.AllocateIno()
	v.WriteInode(&volume.Inode{Ino: ino, Name: "overflow", Kind: volume.KindDirectory})
	if _, ok := namespace.Insert(v, volume.RootIno, "overflow", ino); ok {
		t.Fatal("Insert succeeded past MaxFilesDirectory, want rejection")
	}
}

func TestListingOnNonRootDirectory(t *testing.T) {
	t.Parallel()
	v := volume.New(t.TempDir(), 64*1024, 4096)

	dirIno := v.AllocateIno()
	v.WriteInode(&volume.Inode{Ino: dirIno, Name: "docs", Kind: volume.KindDirectory})
	namespace.Insert(v, volume.RootIno, "docs", dirIno)

	fileIno := v.AllocateIno()
	v.WriteInode(&volume.Inode{Ino: fileIno, Name: "a.txt", Kind: volume.KindRegularFile})
	namespace.Insert(v, dirIno, "a.txt", fileIno)

	entries := namespace.Listing(v, dirIno)
	if len(entries) != 3 {
		t.Fatalf("Listing(docs) = %v, want [. .. a.txt]", entries)
	}
	if entries[0].Name != "." || entries[0].Ino != dirIno {
		t.Fatalf("Listing(docs)[0] = %+v, want {Ino: %d, Name: .}", entries[0], dirIno)
	}
	if entries[1].Name != ".." || entries[1].Ino != volume.RootIno {
		t.Fatalf("Listing(docs)[1] = %+v, want {Ino: %d, Name: ..}", entries[1], volume.RootIno)
	}
}

func TestRemoveIsOneWay(t *testing.T) {
	t.Parallel()
	v := volume.New(t.TempDir(), 64*1024, 4096)

	ino := v.AllocateIno()
	v.WriteInode(&volume.Inode{Ino: ino, Name: "docs", Kind: volume.KindDirectory})
	namespace.Insert(v, volume.RootIno, "docs", ino)

	namespace.Remove(v, volume.RootIno, ino)

	if v.FindChild(volume.RootIno, "docs") != nil {
		t.Fatal("FindChild(docs) still resolves after Remove")
	}
	// The child inode itself is untouched; removal is one-way.
	if v.GetInode(ino) == nil {
		t.Fatal("GetInode(ino) is nil after Remove, want the inode to still be present")
	}
}
