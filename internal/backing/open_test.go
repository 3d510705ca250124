// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build linux

package backing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/pbd/internal/backing/blockdev"
	"github.com/asch/pbd/internal/backing/null"
)

func TestOpenNull(t *testing.T) {
	dev, err := Open("null:", Options{NullSize: 4096})
	require.NoError(t, err)
	require.IsType(t, &null.Null{}, dev)

	size, err := dev.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)

	dev, err = Open("null:64", Options{NullSize: 4096})
	require.NoError(t, err)
	size, err = dev.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(64*mib), size)
}

func TestOpenNullInvalidSize(t *testing.T) {
	_, err := Open("null:lots", Options{})
	assert.Error(t, err)

	_, err = Open("null:-1", Options{})
	assert.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0o600))

	dev, err := Open(path, Options{})
	require.NoError(t, err)
	defer dev.Close()

	assert.IsType(t, &blockdev.BlockDev{}, dev)
}

func TestOpenS3MissingBucket(t *testing.T) {
	_, err := Open("s3:///prefix", Options{})
	assert.Error(t, err)
}
