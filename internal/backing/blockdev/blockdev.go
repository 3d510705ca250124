// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build linux

// Package blockdev opens a local block device as the target. Regular files
// work as well, which is handy for testing.
package blockdev

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// BlockDev is an exclusively opened block device or file.
type BlockDev struct {
	*os.File
}

// Open opens path for reading and writing. For block devices O_EXCL makes
// the open fail with EBUSY when the device is mounted or opened exclusively
// by somebody else.
func Open(path string) (*BlockDev, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_EXCL|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, &os.PathError{Op: "fstat", Path: path, Err: err}
	}

	mode := st.Mode & unix.S_IFMT
	if mode != unix.S_IFBLK && mode != unix.S_IFREG {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: not a block device", path)
	}

	return &BlockDev{File: os.NewFile(uintptr(fd), path)}, nil
}

// Size returns size of the device in bytes. Seeking to the end works for
// both block devices and regular files. Reads and writes use pread and
// pwrite, so the file offset does not matter.
func (b *BlockDev) Size() (int64, error) {
	return b.Seek(0, io.SeekEnd)
}

// Sync flushes written data to the device.
func (b *BlockDev) Sync() error {
	if err := unix.Fdatasync(int(b.Fd())); err != nil {
		return &os.PathError{Op: "fdatasync", Path: b.Name(), Err: err}
	}

	return nil
}
