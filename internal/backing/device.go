// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backing resolves a target path to the underlying device all
// requests of the virtual device are forwarded to. Every backend lives in its
// own subpackage and anything implementing Device can be used.
package backing

import (
	"io"
)

// Device is the underlying device. Offsets and sizes are in bytes.
// Implementations must be safe for concurrent use, the forwarder calls them
// from multiple go routines.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Makes all completed writes durable.
	Sync() error

	// Releases the device. No other method is called afterwards.
	Close() error

	// Returns size of the device in bytes.
	Size() (int64, error)
}
