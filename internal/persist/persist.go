// Package persist drives package codec over every live inode in a
// Volume on shutdown, and drives it in reverse on startup to repopulate
// a fresh Volume. The interactive restore/persist prompts are a
// session-shell concern: this package exposes restore-from-paths and
// snapshot-to-directory as plain calls, with no prompting of its own.
package persist

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/google/renameio"

	"github.com/distr1/qrfs/internal/codec"
	"github.com/distr1/qrfs/internal/volume"
)

// Snapshot encodes every present inode other than the root as one QR
// PNG under dir, named inode<N>.png with N starting at 0 in iteration
// order. Errors from the codec abort that inode's snapshot but do not
// stop the remaining inodes from being attempted; the first such error
// is still returned to the caller once the whole pass completes,
// alongside however many PNGs were successfully written.
func Snapshot(v *volume.Volume, dir string) error {
	var firstErr error
	n := 0
	for ino := uint64(1); ino <= uint64(v.MaxFiles); ino++ {
		if ino == volume.RootIno {
			continue
		}
		inode := v.GetInode(ino)
		if inode == nil {
			continue
		}

		payload := codec.Encode(inode)
		png, err := codec.Render(payload)
		if err != nil {
			log.Printf("snapshot: inode %d: render: %v", ino, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		path := filepath.Join(dir, fmt.Sprintf("inode%d.png", n))
		if err := renameio.WriteFile(path, png, 0o644); err != nil {
			log.Printf("snapshot: inode %d: write %s: %v", ino, path, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return firstErr
}

// decoded is one restored inode paired with the path it came from, kept
// only for logging.
type decoded struct {
	path string
	ino  *volume.Inode
}

// Restore imports the user-selected PNGs in paths into v, in selection
// order: scan each image, codec-decode the payload into an inode, then
// splice it into v — write the inode at ino-1, attach it as a reference
// of the root at the next free slot, and initialize an empty body block
// at the same index. The parent-of-origin is lost; every restored inode
// reattaches to the root, a deliberate simplification over reconstructing
// the original directory tree.
//
// The pure decode step (PNG scan + codec decode, which touches no Volume
// state) runs concurrently across paths via errgroup; the splice into v
// is strictly sequential, since Volume mutation is not safe for
// concurrent callers — the same "parallel read, sequential mutate" split
// distri's batch package uses errgroup for when building packages in
// parallel before the sequential link step.
func Restore(ctx context.Context, v *volume.Volume, paths []string) error {
	results := make([]decoded, len(paths))

	g, _ := errgroup.WithContext(ctx)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			png, err := os.ReadFile(p)
			if err != nil {
				log.Printf("restore: read %s: %v", p, err)
				return nil // abort this inode's import only, not the whole restore
			}
			payload, err := codec.Scan(png)
			if err != nil {
				log.Printf("restore: scan %s: %v", p, err)
				return nil
			}
			ino, err := codec.Decode(payload)
			if err != nil {
				log.Printf("restore: decode %s: %v", p, err)
				return nil
			}
			results[i] = decoded{path: p, ino: ino}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return xerrors.Errorf("restore: %w", err)
	}

	for _, d := range results {
		if d.ino == nil {
			continue
		}
		spliceRestored(v, d.ino)
	}
	return nil
}

func spliceRestored(v *volume.Volume, ino *volume.Inode) {
	if ino.Ino < 1 || int(ino.Ino) > v.MaxFiles {
		log.Printf("restore: ino %d out of range, skipping", ino.Ino)
		return
	}

	// File bodies are never persisted; every restored regular file gets
	// a fresh, empty body block at the same index its ino once used.
	blockIdx := int(ino.Ino - 1)
	ino.Size = 0
	if ino.IsRegularFile() {
		ino.References[0] = uint64(blockIdx) + 1
		v.WriteBlock(blockIdx, nil)
	}

	v.WriteInode(ino)

	slot := v.FreeReferenceSlot(volume.RootIno)
	if slot < 0 {
		log.Printf("restore: root has no free reference slot for ino %d", ino.Ino)
		return
	}
	v.WriteReference(volume.RootIno, slot, ino.Ino)
}
