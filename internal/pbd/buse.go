// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pbd

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/asch/buse/lib/go/buse"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/asch/pbd/internal/pbd/forward"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	writeItemSize = 32
)

var _ buse.BuseReadWriter = (*Device)(nil)

// One write from the metadata section of the BUSE write chunk. Sector and
// Length are in 512 byte sectors.
type writeExtent struct {
	Sector int64
	Length int64
	SeqNo  int64
	Flag   int64
}

// Parses write extent information from 32 bytes of raw memory. The memory is
// one write in metadata section of the chunk.
func parseExtent(b []byte) writeExtent {
	return writeExtent{
		Sector: int64(binary.LittleEndian.Uint64(b[:8])),
		Length: int64(binary.LittleEndian.Uint64(b[8:16])),
		SeqNo:  int64(binary.LittleEndian.Uint64(b[16:24])),
		Flag:   int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

// Handle writes comming from the buse library. writes contain number of write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadataSize and the rest are data of all writes in the same order.
//
// Every write is forwarded on its own and we return when all of them
// completed. The data are not copied, the forwarded requests point directly
// into the chunk.
func (d *Device) BuseWrite(writes int64, chunk []byte) error {
	if writes < 0 || writes > int64(d.metadataSize/writeItemSize) || d.metadataSize > len(chunk) {
		return fmt.Errorf("%w: %d writes do not fit the write chunk", ErrIO, writes)
	}

	metadata := chunk[:d.metadataSize]
	data := chunk[d.metadataSize:]

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	fail := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:writeItemSize])
		metadata = metadata[writeItemSize:]

		if e.Length < 0 || e.Length > int64(len(data))/SectorSize {
			fail(fmt.Errorf("%w: write of %d sectors overflows the chunk", ErrIO, e.Length))
			break
		}
		if e.Sector < 0 || e.Sector > math.MaxInt64/SectorSize {
			fail(fmt.Errorf("%w: write at sector %d", ErrIO, e.Sector))
			break
		}

		size := e.Length * SectorSize
		if size == 0 {
			continue
		}

		wg.Add(1)
		err := d.Submit(&forward.Request{
			Op:     forward.OpWrite,
			Offset: e.Sector * SectorSize,
			Data:   data[:size],
			EndIO: func(err error) {
				if err != nil {
					fail(err)
				}
				wg.Done()
			},
		})
		if err != nil {
			wg.Done()
			fail(err)
			break
		}

		data = data[size:]
	}

	wg.Wait()

	if errs == nil && d.opts.Durable {
		errs = d.Flush()
	}

	if errs != nil {
		log.Info().Err(errs).Int64("writes", writes).Send()
	}

	return errs
}

// Read extent starting at sector with length length to the buffer chunk.
// Both are in blocks of the configured block size.
func (d *Device) BuseRead(sector, length int64, chunk []byte) error {
	bs := int64(d.opts.BlockSize)
	if length < 0 || length > int64(len(chunk))/bs {
		return fmt.Errorf("%w: read of %d blocks overflows the chunk", ErrIO, length)
	}
	if sector < 0 || sector > math.MaxInt64/bs {
		return fmt.Errorf("%w: read at block %d", ErrIO, sector)
	}

	size := length * bs

	_, err := d.ReadAt(chunk[:size], sector*bs)
	if err != nil {
		log.Info().Err(err).Int64("sector", sector).Int64("length", length).Send()
	}

	return err
}

// Called by buse before it starts serving requests.
func (d *Device) BusePreRun() {
	if id, ok := d.Identity(); ok {
		log.Info().Int("id", id.ID).Str("name", id.Name).Msg("Serving requests")
	}
}

// Called by buse after the device disappeared from the kernel.
func (d *Device) BusePostRemove() {
	log.Info().Msg("Device removed from the kernel")
}
