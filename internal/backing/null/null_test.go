// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package null

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNull(t *testing.T) {
	n := New(4096)

	size, err := n.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)

	written, err := n.WriteAt([]byte("dropped"), 0)
	require.NoError(t, err)
	assert.Equal(t, 7, written)

	p := []byte{1, 2, 3, 4}
	read, err := n.ReadAt(p, 100)
	require.NoError(t, err)
	assert.Equal(t, 4, read)
	assert.Equal(t, []byte{0, 0, 0, 0}, p)

	assert.NoError(t, n.Sync())
	assert.NoError(t, n.Close())
}

func TestNullBounds(t *testing.T) {
	n := New(1024)

	_, err := n.WriteAt(make([]byte, 512), 768)
	assert.ErrorIs(t, err, io.ErrShortWrite)

	read, err := n.ReadAt(make([]byte, 512), 768)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 256, read)

	_, err = n.ReadAt(make([]byte, 512), 1024)
	assert.ErrorIs(t, err, io.EOF)
}
