// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// Key of the object marking the bucket prefix as used by a device.
	lockKey = -1

	// Number of chunk locks. Chunks sharing a lock are serialized.
	lockStripes = 64
)

// Returned by Acquire when another device holds the prefix.
var ErrLocked = errors.New("s3: target is locked by another device")

// Interface for object storage. Anything implementing it can store the chunks
// of the device. Missing objects are reported as ErrNoObject.
type ObjectStore interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the legth of requested data.
	DownloadAt(key int64, buf []byte, offset int64) error

	// Returns size in bytes of object identified by key.
	GetObjectSize(key int64) (int64, error)

	// Deletes object identified by key.
	Delete(key int64) error
}

// Device is a block device made of objects. Chunk i of chunkSize bytes is
// stored under key i. Chunks which were never written read as zeros. Writes
// of partial chunks are read-modify-write, serialized per chunk.
type Device struct {
	store     ObjectStore
	chunkSize int64
	size      int64

	locks [lockStripes]sync.Mutex
}

// Acquire takes the lock object in the store and returns the device. It fails
// with ErrLocked when the lock object already exists.
func Acquire(store ObjectStore, chunkSize, size int64) (*Device, error) {
	if chunkSize <= 0 || size <= 0 {
		return nil, fmt.Errorf("s3: invalid chunk size %d or device size %d", chunkSize, size)
	}

	_, err := store.GetObjectSize(lockKey)
	if err == nil {
		return nil, ErrLocked
	}
	if !errors.Is(err, ErrNoObject) {
		return nil, err
	}

	if err := store.Upload(lockKey, []byte{}); err != nil {
		return nil, err
	}

	return &Device{store: store, chunkSize: chunkSize, size: size}, nil
}

func (d *Device) lock(chunk int64) *sync.Mutex {
	return &d.locks[chunk%lockStripes]
}

// Splits the range into pieces not crossing chunk boundaries and calls fn for
// each of them. buf is the part of p belonging to the piece.
func (d *Device) each(p []byte, off int64, fn func(chunk, inChunk int64, buf []byte) error) error {
	for len(p) > 0 {
		chunk := off / d.chunkSize
		inChunk := off % d.chunkSize
		n := d.chunkSize - inChunk
		if n > int64(len(p)) {
			n = int64(len(p))
		}

		if err := fn(chunk, inChunk, p[:n]); err != nil {
			return err
		}

		p = p[n:]
		off += n
	}

	return nil
}

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, io.EOF
	}

	err := d.each(p, off, func(chunk, inChunk int64, buf []byte) error {
		err := d.store.DownloadAt(chunk, buf, inChunk)
		if errors.Is(err, ErrNoObject) {
			clear(buf)
			return nil
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, io.ErrShortWrite
	}

	err := d.each(p, off, func(chunk, inChunk int64, buf []byte) error {
		l := d.lock(chunk)
		l.Lock()
		defer l.Unlock()

		if int64(len(buf)) == d.chunkSize {
			return d.store.Upload(chunk, buf)
		}

		whole := make([]byte, d.chunkSize)
		err := d.store.DownloadAt(chunk, whole, 0)
		if err != nil && !errors.Is(err, ErrNoObject) {
			return err
		}

		copy(whole[inChunk:], buf)

		return d.store.Upload(chunk, whole)
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Uploads are durable once they return, there is nothing to flush.
func (d *Device) Sync() error {
	return nil
}

func (d *Device) Size() (int64, error) {
	return d.size, nil
}

// Close removes the lock object.
func (d *Device) Close() error {
	err := d.store.Delete(lockKey)
	if err != nil {
		log.Info().Err(err).Msg("Unable to remove s3 lock object")
	}

	return err
}
