// Command qrfs mounts a QR-backed, in-memory filesystem at a given
// mountpoint. It owns the startup-restoration and shutdown-persistence
// choices and wires the CLI mountpoint argument to the kernel bridge
// (github.com/jacobsa/fuse).
//
// Grounded on cmd/distri/fuse.go's mountfuse (flag parsing,
// fuseutil.NewFileSystemServer, fuse.Mount, SIGINT handling, mfs.Join)
// and cmd/distri/distri.go's funcmain()/main() split.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/distr1/qrfs/internal/persist"
	"github.com/distr1/qrfs/internal/qrfs"
	"github.com/distr1/qrfs/internal/volume"
)

// memorySize and blockSize are fixed rather than flag-configurable: the
// CLI surface is exactly "qrfs <mountpoint>", no other flags.
const (
	memorySize = 4 << 20 // 4 MiB
	blockSize  = 4096
)

// stateDirName holds the QR PNG backing store, relative to the working
// directory the process was started in. It is deliberately not derived
// from $HOME or any other environment variable: this process reads no
// environment.
const stateDirName = ".qrfs"

func funcmain() error {
	if len(os.Args) != 2 {
		// Wrong argument count: print the usage error to standard output
		// and exit without mounting.
		fmt.Println("syntax: qrfs <mountpoint>")
		return nil
	}
	mountpoint := os.Args[1]

	stateDir := filepath.Join(".", stateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return xerrors.Errorf("creating state directory: %w", err)
	}

	vol := volume.New(mountpoint, memorySize, blockSize)

	ctx, canc := interruptibleContext()
	defer canc()

	interactive := isatty.IsTerminal(os.Stdin.Fd())

	if interactive && promptYN("restore previous files?") {
		paths, err := pngPaths(stateDir)
		if err != nil {
			return xerrors.Errorf("listing restore candidates: %w", err)
		}
		if err := persist.Restore(ctx, vol, paths); err != nil {
			return xerrors.Errorf("restore: %w", err)
		}
	}

	server := fuseutil.NewFileSystemServer(qrfs.New(vol))
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName: "qrfs",
		Options: map[string]string{
			"nonempty": "",
		},
	})
	if err != nil {
		return xerrors.Errorf("mount: %w", err)
	}

	registerAtExit(func() error {
		if !interactive || !promptYN("save files?") {
			return nil
		}
		return persist.Snapshot(vol, stateDir)
	})

	if err := mfs.Join(ctx); err != nil && err != context.Canceled {
		return xerrors.Errorf("Join: %w", err)
	}

	return runAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// pngPaths lists the *.png files under dir in a deterministic order,
// standing in for a file-picker dialog's multi-selection: lexical glob
// order defines restore order.
func pngPaths(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// promptYN asks question on stdout and reports whether the reply starts
// with the capital letter Y (ASCII 89). It is the stand-in for a real
// interactive-prompt collaborator.
func promptYN(question string) bool {
	fmt.Printf("%s [Y/N] ", question)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	line := scanner.Text()
	return len(line) > 0 && line[0] == 'Y'
}

// interruptibleContext returns a context canceled on SIGINT/SIGTERM,
// the same shape as distri's InterruptibleContext in context.go.
func interruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}

// atExit mirrors distri's package-level RegisterAtExit/RunAtExit
// registry (atexit.go), scoped to this single process instead of a
// shared library used by many subcommands.
var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

func registerAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: registerAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

func runAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	for _, fn := range atExit.fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
