// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pbd

import (
	"github.com/asch/buse/lib/go/buse"

	"github.com/asch/pbd/internal/backing"
)

// Identity of the virtual device as published to the host.
type Identity struct {
	// Dynamic identifier obtained from RegisterIdentifier. For BUSE it is
	// the decimal part of /dev/buse%d.
	ID int

	// Display name.
	Name string

	// Size in sectors.
	Capacity uint64

	// Logical block size in bytes.
	BlockSize int
}

// Host is the environment the virtual device is published to. Everything the
// device needs from outside of the process goes through it.
type Host interface {
	// Opens the target for exclusive read and write.
	AcquireExclusive(path string) (backing.Device, error)

	// Closes the target.
	Release(dev backing.Device) error

	// Obtains dynamic identifier of the virtual device.
	RegisterIdentifier() (int, error)

	UnregisterIdentifier(id int) error

	// Makes the device visible to the host storage stack. From now on
	// requests can come to rw at any time.
	Publish(id Identity, rw buse.BuseReadWriter) error

	// Makes the device invisible again. No request comes to rw after
	// Unpublish returns.
	Unpublish(id Identity) error

	// Returns capacity of the target in sectors.
	QueryCapacity(dev backing.Device) (uint64, error)
}
