// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build linux

package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/pbd/internal/backing"
	"github.com/asch/pbd/internal/host/ident"
	"github.com/asch/pbd/internal/pbd"
)

func TestAcquireNullAndQueryCapacity(t *testing.T) {
	h := New(Options{MaxDevices: 1})

	dev, err := h.AcquireExclusive("null:2")
	require.NoError(t, err)

	sectors, err := h.QueryCapacity(dev)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*1024*1024/pbd.SectorSize), sectors)

	assert.NoError(t, h.Release(dev))
}

func TestAcquireFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0o600))

	h := New(Options{Backing: backing.Options{}})

	dev, err := h.AcquireExclusive(path)
	require.NoError(t, err)
	defer h.Release(dev)

	sectors, err := h.QueryCapacity(dev)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), sectors)
}

func TestIdentifiers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "5"), 0o755))

	h := New(Options{FirstID: 5, MaxDevices: 2, ConfigfsDir: dir})

	id, err := h.RegisterIdentifier()
	require.NoError(t, err)
	assert.Equal(t, 6, id)

	_, err = h.RegisterIdentifier()
	assert.ErrorIs(t, err, ident.ErrExhausted)

	require.NoError(t, h.UnregisterIdentifier(id))
	assert.Error(t, h.UnregisterIdentifier(id))
}

func TestUnpublishUnknown(t *testing.T) {
	h := New(Options{MaxDevices: 1})
	assert.Error(t, h.Unpublish(pbd.Identity{ID: 3}))
}
