package codec_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/distr1/qrfs/internal/codec"
	"github.com/distr1/qrfs/internal/volume"
)

func sampleInode() *volume.Inode {
	ino := &volume.Inode{
		Ino:   2,
		Name:  "hello.txt",
		Kind:  volume.KindRegularFile,
		Size:  13,
		Blocks: 1,
		Times: volume.Times{
			Atime: volume.Timespec{Sec: 1000, Nsec: 1},
			Mtime: volume.Timespec{Sec: 1001, Nsec: 2},
			Ctime: volume.Timespec{Sec: 1002, Nsec: 3},
			Crtime: volume.Timespec{Sec: 1003, Nsec: 4},
		},
		Perm:  0o755,
		Nlink: 0,
		Uid:   1000,
		Gid:   1000,
		Rdev:  0,
		Flags: 0,
	}
	ino.References[0] = 1
	return ino
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	want := sampleInode()
	got, err := codec.Decode(codec.Encode(want))
	if err != nil {
		t.Fatalf("Decode(Encode(want)) error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := codec.Decode([]byte{0xff, 0xff, 0xff})
	if err == nil {
		t.Fatal("Decode(garbage) succeeded, want error")
	}
	if _, ok := err.(*codec.DecodeError); !ok {
		t.Fatalf("Decode(garbage) error type = %T, want *codec.DecodeError", err)
	}
}

func TestDecodeRejectsOutOfRangeKind(t *testing.T) {
	t.Parallel()
	payload := codec.Encode(sampleInode())
	// The kind tag sits right after the length-prefixed name, the uint64
	// ino/size/blocks fields, and the four 12-byte timestamps.
	kindOffset := 2 + len("hello.txt") + 8*3 + (8+4)*4
	corrupt := append([]byte(nil), payload...)
	corrupt[kindOffset] = 0xff
	if _, err := codec.Decode(corrupt); err == nil {
		t.Fatal("Decode with out-of-range kind tag succeeded, want error")
	}
}

func TestRenderScanRoundTrip(t *testing.T) {
	t.Parallel()
	want := codec.Encode(sampleInode())

	png, err := codec.Render(want)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	got, err := codec.Scan(png)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Scan(Render(p)) = %q, want %q", got, want)
	}
}

func TestScanRejectsNonQRImage(t *testing.T) {
	t.Parallel()
	_, err := codec.Scan([]byte("not a png at all"))
	if err == nil {
		t.Fatal("Scan(garbage) succeeded, want error")
	}
}
