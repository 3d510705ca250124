// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type memStore struct {
	mu      sync.Mutex
	objects map[int64][]byte
	uploads int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[int64][]byte)}
}

func (m *memStore) Upload(key int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), buf...)
	m.uploads++
	return nil
}

func (m *memStore) DownloadAt(key int64, buf []byte, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return ErrNoObject
	}
	copy(buf, o[offset:])
	return nil
}

func (m *memStore) GetObjectSize(key int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return 0, ErrNoObject
	}
	return int64(len(o)), nil
}

func (m *memStore) Delete(key int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func TestAcquireIsExclusive(t *testing.T) {
	store := newMemStore()

	d, err := Acquire(store, 1024, 8192)
	require.NoError(t, err)

	_, err = Acquire(store, 1024, 8192)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, d.Close())

	d, err = Acquire(store, 1024, 8192)
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestAcquireInvalidGeometry(t *testing.T) {
	_, err := Acquire(newMemStore(), 0, 8192)
	assert.Error(t, err)
}

func TestUnwrittenChunksReadZeros(t *testing.T) {
	d, err := Acquire(newMemStore(), 1024, 8192)
	require.NoError(t, err)

	p := []byte{1, 2, 3}
	_, err = d.ReadAt(p, 4000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, p)
}

func TestWriteAcrossChunks(t *testing.T) {
	store := newMemStore()
	d, err := Acquire(store, 1024, 8192)
	require.NoError(t, err)

	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	// Partial chunk 0, whole chunk 1, partial chunk 2.
	n, err := d.WriteAt(payload, 512)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	assert.Len(t, store.objects[0], 1024)
	assert.Len(t, store.objects[1], 1024)
	assert.Len(t, store.objects[2], 1024)
	assert.Equal(t, make([]byte, 512), store.objects[0][:512])

	got := make([]byte, len(payload))
	_, err = d.ReadAt(got, 512)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBounds(t *testing.T) {
	d, err := Acquire(newMemStore(), 1024, 4096)
	require.NoError(t, err)

	_, err = d.WriteAt(make([]byte, 1024), 3584)
	assert.ErrorIs(t, err, io.ErrShortWrite)

	_, err = d.ReadAt(make([]byte, 1024), 3584)
	assert.ErrorIs(t, err, io.EOF)

	size, err := d.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)
	assert.NoError(t, d.Sync())
}

// Concurrent partial writes into the same chunk must not lose each other.
func TestConcurrentPartialWrites(t *testing.T) {
	d, err := Acquire(newMemStore(), 4096, 4096)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			buf := make([]byte, 512)
			for j := range buf {
				buf[j] = byte(i + 1)
			}
			_, err := d.WriteAt(buf, int64(i)*512)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got := make([]byte, 4096)
	_, err = d.ReadAt(got, 0)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		assert.Equal(t, byte(i+1), got[i*512], "piece %d", i)
	}
}

type failingStore struct {
	*memStore
	err error
}

func (f *failingStore) Upload(key int64, buf []byte) error {
	if key == lockKey {
		return f.memStore.Upload(key, buf)
	}
	return f.err
}

func TestUploadErrorIsReturned(t *testing.T) {
	store := &failingStore{memStore: newMemStore(), err: errors.New("slow down")}
	d, err := Acquire(store, 1024, 4096)
	require.NoError(t, err)

	_, err = d.WriteAt(make([]byte, 1024), 0)
	assert.Same(t, store.err, err)
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "00000001/00000000", encode(1))
	assert.Equal(t, "00000002/00000001", encode(1<<32+2))
	assert.Equal(t, "ffffffff/ffffffff", encode(lockKey))

	s := &S3{prefix: "disks/a"}
	assert.Equal(t, "disks/a/00000003/00000000", s.encode(3))
}
