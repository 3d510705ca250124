// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build linux

// Package host binds the virtual device to the running Linux kernel. Targets
// are opened through the backing package, identifiers are BUSE device indices
// and publication creates and runs a BUSE device.
package host

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/asch/buse/lib/go/buse"
	"github.com/rs/zerolog/log"

	"github.com/asch/pbd/internal/backing"
	"github.com/asch/pbd/internal/host/ident"
	"github.com/asch/pbd/internal/pbd"
)

// Directory where the BUSE kernel module exposes configured devices.
const DefaultConfigfsDir = "/sys/kernel/config/buse"

var _ pbd.Host = (*Host)(nil)

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	// How targets are opened.
	Backing backing.Options

	// Identifiers are allocated from [FirstID, FirstID+MaxDevices).
	FirstID    int
	MaxDevices int

	// Identifiers present in this directory belong to other processes and
	// are skipped. Empty disables the check.
	ConfigfsDir string

	// Template for every published device. Major, Size and BlockSize are
	// filled from the Identity.
	Buse buse.Options
}

type publication struct {
	dev  buse.Buse
	done chan struct{}
}

// Host is the Linux implementation of pbd.Host.
type Host struct {
	opts Options
	ids  *ident.Allocator

	mutex     sync.Mutex
	published map[int]*publication
}

func New(o Options) *Host {
	var inUse func(int) bool
	if o.ConfigfsDir != "" {
		dir := o.ConfigfsDir
		inUse = func(id int) bool {
			_, err := os.Stat(filepath.Join(dir, strconv.Itoa(id)))
			return err == nil
		}
	}

	return &Host{
		opts:      o,
		ids:       ident.New(o.FirstID, o.MaxDevices, inUse),
		published: make(map[int]*publication),
	}
}

func (h *Host) AcquireExclusive(path string) (backing.Device, error) {
	return backing.Open(path, h.opts.Backing)
}

func (h *Host) Release(dev backing.Device) error {
	return dev.Close()
}

func (h *Host) RegisterIdentifier() (int, error) {
	return h.ids.Next()
}

func (h *Host) UnregisterIdentifier(id int) error {
	return h.ids.Release(id)
}

func (h *Host) QueryCapacity(dev backing.Device) (uint64, error) {
	size, err := dev.Size()
	if err != nil {
		return 0, err
	}

	return uint64(size) / pbd.SectorSize, nil
}

// Publish creates buse%d device for id.ID and starts serving it in a separate
// go routine.
func (h *Host) Publish(id pbd.Identity, rw buse.BuseReadWriter) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.published[id.ID]; ok {
		return fmt.Errorf("host: buse%d is already published", id.ID)
	}

	o := h.opts.Buse
	o.Major = int64(id.ID)
	o.Size = int64(id.Capacity) * pbd.SectorSize
	o.BlockSize = int64(id.BlockSize)

	dev, err := buse.New(rw, o)
	if err != nil {
		return err
	}

	p := &publication{dev: dev, done: make(chan struct{})}
	h.published[id.ID] = p

	go func() {
		defer close(p.done)
		p.dev.Run()
	}()

	log.Info().Msgf("BUSE device %d registered as %s!", id.ID, id.Name)

	return nil
}

// Unpublish stops the device, waits until its queues are finished and removes
// it from the kernel.
func (h *Host) Unpublish(id pbd.Identity) error {
	h.mutex.Lock()
	p, ok := h.published[id.ID]
	delete(h.published, id.ID)
	h.mutex.Unlock()

	if !ok {
		return fmt.Errorf("host: buse%d is not published", id.ID)
	}

	log.Info().Msgf("Stopping buse%d device!", id.ID)
	p.dev.StopDevice()
	<-p.done

	log.Info().Msgf("Removing buse%d", id.ID)
	p.dev.RemoveDevice()

	return nil
}
