// Package codec converts an inode to and from bytes, and bytes to and
// from a PNG QR image. The binary layout is a length-tagged structural
// encoding built with encoding/binary, the same field-at-a-time,
// little-endian style distri's squashfs reader/writer use for their own
// fixed-layout records.
package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/distr1/qrfs/internal/volume"
)

// DecodeError is returned when a payload was not produced by Encode.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "codec: decode error: " + e.Reason }

// Encode serializes ino to bytes, including its full References vector.
// Encoding never fails for a well-formed Inode.
func Encode(ino *volume.Inode) []byte {
	var buf bytes.Buffer

	name := []byte(ino.Name)
	binary.Write(&buf, binary.LittleEndian, uint16(len(name)))
	buf.Write(name)

	binary.Write(&buf, binary.LittleEndian, ino.Ino)
	binary.Write(&buf, binary.LittleEndian, ino.Size)
	binary.Write(&buf, binary.LittleEndian, ino.Blocks)

	for _, ts := range []volume.Timespec{ino.Times.Atime, ino.Times.Mtime, ino.Times.Ctime, ino.Times.Crtime} {
		binary.Write(&buf, binary.LittleEndian, ts.Sec)
		binary.Write(&buf, binary.LittleEndian, ts.Nsec)
	}

	binary.Write(&buf, binary.LittleEndian, uint8(ino.Kind))
	binary.Write(&buf, binary.LittleEndian, ino.Perm)
	binary.Write(&buf, binary.LittleEndian, ino.Nlink)
	binary.Write(&buf, binary.LittleEndian, ino.Uid)
	binary.Write(&buf, binary.LittleEndian, ino.Gid)
	binary.Write(&buf, binary.LittleEndian, ino.Rdev)
	binary.Write(&buf, binary.LittleEndian, ino.Flags)

	binary.Write(&buf, binary.LittleEndian, uint16(len(ino.References)))
	for _, r := range ino.References {
		if r == 0 {
			binary.Write(&buf, binary.LittleEndian, uint8(0))
			binary.Write(&buf, binary.LittleEndian, uint64(0))
		} else {
			binary.Write(&buf, binary.LittleEndian, uint8(1))
			binary.Write(&buf, binary.LittleEndian, r)
		}
	}

	return buf.Bytes()
}

// Decode is Encode's inverse. It fails with *DecodeError if payload was
// not produced by Encode (short reads, an out-of-range kind tag, or a
// references count other than volume.MaxFilesDirectory).
func Decode(payload []byte) (*volume.Inode, error) {
	r := bytes.NewReader(payload)
	ino := &volume.Inode{}

	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return nil, wrapShortRead(err)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, wrapShortRead(err)
	}
	ino.Name = string(name)

	for _, dst := range []*uint64{&ino.Ino, &ino.Size, &ino.Blocks} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, wrapShortRead(err)
		}
	}

	times := [4]*volume.Timespec{&ino.Times.Atime, &ino.Times.Mtime, &ino.Times.Ctime, &ino.Times.Crtime}
	for _, ts := range times {
		if err := binary.Read(r, binary.LittleEndian, &ts.Sec); err != nil {
			return nil, wrapShortRead(err)
		}
		if err := binary.Read(r, binary.LittleEndian, &ts.Nsec); err != nil {
			return nil, wrapShortRead(err)
		}
	}

	var kind uint8
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return nil, wrapShortRead(err)
	}
	if kind > uint8(volume.KindSocket) {
		return nil, &DecodeError{Reason: "kind tag out of range"}
	}
	ino.Kind = volume.Kind(kind)

	for _, dst := range []*uint32{&ino.Perm, &ino.Nlink, &ino.Uid, &ino.Gid, &ino.Rdev, &ino.Flags} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, wrapShortRead(err)
		}
	}

	var refCount uint16
	if err := binary.Read(r, binary.LittleEndian, &refCount); err != nil {
		return nil, wrapShortRead(err)
	}
	if int(refCount) != len(ino.References) {
		return nil, &DecodeError{Reason: "unexpected references count"}
	}
	for i := range ino.References {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
			return nil, wrapShortRead(err)
		}
		var value uint64
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return nil, wrapShortRead(err)
		}
		if tag == 1 {
			ino.References[i] = value
		}
	}

	return ino, nil
}

func wrapShortRead(err error) error {
	return &DecodeError{Reason: xerrors.Errorf("short read: %w", err).Error()}
}
