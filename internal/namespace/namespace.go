// Package namespace layers directory-graph semantics over a Volume:
// child-set iteration, name uniqueness, and the synthesized "." / ".."
// entries a directory listing needs. It stores nothing of its own — the
// Volume remains the only owner of mutable state.
package namespace

import "github.com/distr1/qrfs/internal/volume"

// Entry is one synthesized directory listing row.
type Entry struct {
	Ino  uint64
	Name string
	Kind volume.Kind
}

// Children returns the present child entries of dirIno in reference-slot
// order, skipping any child whose ino is 1 (the root never appears as a
// regular child row; it is synthesized separately by the caller for
// "..").  Grounded on cmd/distri/fuse.go's ReadDir, which builds its
// []fuseutil.Dirent the same way: walk the reference/entry list in
// order, skip empties, and copy name/inode/kind.
func Children(v *volume.Volume, dirIno uint64) []Entry {
	dir := v.GetInode(dirIno)
	if dir == nil {
		return nil
	}
	var entries []Entry
	for _, r := range dir.References {
		if r == 0 || r == volume.RootIno {
			continue
		}
		child := v.GetInode(r)
		if child == nil {
			continue
		}
		entries = append(entries, Entry{Ino: child.Ino, Name: child.Name, Kind: child.Kind})
	}
	return entries
}

// Listing returns the full readdir sequence for dirIno: "." and ".."
// first, followed by Children in order. "." resolves to dirIno itself.
// ".." always resolves to the root, since no inode carries a parent
// back-pointer — this is exact for root (which is its own parent) and
// an approximation for any other directory.
func Listing(v *volume.Volume, dirIno uint64) []Entry {
	entries := []Entry{
		{Ino: dirIno, Name: ".", Kind: volume.KindDirectory},
		{Ino: volume.RootIno, Name: "..", Kind: volume.KindDirectory},
	}
	return append(entries, Children(v, dirIno)...)
}

// Insert binds name under parentIno to a freshly allocated ino's
// reference slot. It reports ok=false if the parent has no free
// reference slot or name is already used in the parent.
func Insert(v *volume.Volume, parentIno uint64, name string, childIno uint64) (slot int, ok bool) {
	if v.FindChild(parentIno, name) != nil {
		return 0, false
	}
	slot = v.FreeReferenceSlot(parentIno)
	if slot < 0 {
		return 0, false
	}
	v.WriteReference(parentIno, slot, childIno)
	return slot, true
}

// Remove clears childIno's slot under parentIno. Deletion is one-way:
// it does not scrub any back-pointer, because none is stored.
func Remove(v *volume.Volume, parentIno, childIno uint64) {
	v.ClearReference(parentIno, childIno)
}
