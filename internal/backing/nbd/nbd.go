// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package nbd uses an export of an NBD server as the target. The connection
// is made over a unix socket with libnbd.
package nbd

import (
	"io"

	"libguestfs.org/libnbd"
)

// Nbd is a connected libnbd handle. libnbd handles are safe for concurrent
// use, requests from multiple workers are multiplexed on one connection.
type Nbd struct {
	handle *libnbd.Libnbd
}

// Connects to the NBD server listening on socket.
func Open(socket string) (*Nbd, error) {
	handle, err := libnbd.Create()
	if err != nil {
		return nil, err
	}

	err = handle.ConnectUnix(socket)
	if err != nil {
		handle.Close()
		return nil, err
	}

	return &Nbd{handle: handle}, nil
}

func (n *Nbd) ReadAt(p []byte, off int64) (int, error) {
	if err := n.handle.Pread(p, uint64(off), nil); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (n *Nbd) WriteAt(p []byte, off int64) (int, error) {
	if err := n.handle.Pwrite(p, uint64(off), nil); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (n *Nbd) Sync() error {
	if err := n.handle.Flush(nil); err != nil {
		return err
	}

	return nil
}

func (n *Nbd) Size() (int64, error) {
	size, err := n.handle.GetSize()
	if err != nil {
		return 0, err
	}

	return int64(size), nil
}

func (n *Nbd) Close() error {
	n.handle.Close()
	return nil
}

var _ io.ReaderAt = (*Nbd)(nil)
