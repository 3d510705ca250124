// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pbd

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/asch/pbd/internal/backing"
	"github.com/asch/pbd/internal/pbd/forward"
	"github.com/asch/pbd/internal/pbd/gate"
)

const (
	defaultName      = "pbd"
	defaultBlockSize = 4096
)

// State of the device lifecycle. Closed behaves as Uninitialized, the device
// can be created again.
type State int32

const (
	Uninitialized State = iota
	Active
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	// Display name of the device.
	Name string

	// Target all requests are forwarded to. Interpreted by the Host.
	DevicePath string

	// Advertised capacity in sectors. Zero inherits the capacity of the
	// target.
	Capacity uint64

	// Logical block size. BUSE reads are addressed in blocks.
	BlockSize int

	// Number of go routines forwarding to the target and number of
	// requests waiting for them.
	Workers    int
	QueueDepth int

	// Size of the BUSE write chunk in bytes. Determines the size of the
	// metadata section of the chunk.
	WriteChunkSize int

	// Flush the target after every batch of writes.
	Durable bool

	// Optional.
	Metrics *Metrics
}

// Resources of one activation of the device. Delete drops the whole session
// at once, so a request racing with it sees either the draining gate or no
// session at all.
type session struct {
	gate     *gate.Gate
	queue    *forward.Forwarder
	target   backing.Device
	identity Identity

	registered bool
	published  bool
}

// Device is the virtual block device. It is created by Create, serves
// requests through Submit or the BUSE callbacks and is torn down by Delete.
type Device struct {
	host Host
	opts Options

	// Serializes Create and Delete.
	mu sync.Mutex

	state  atomic.Int32
	active atomic.Pointer[session]

	// Size of the metadata section in the BUSE write chunk. After this
	// offset real data are stored.
	metadataSize int
}

// Returns new uninitialized device which publishes itself to host.
func New(host Host, opts Options) *Device {
	if opts.Name == "" {
		opts.Name = defaultName
	}

	if opts.BlockSize == 0 {
		opts.BlockSize = defaultBlockSize
	}

	return &Device{
		host:         host,
		opts:         opts,
		metadataSize: opts.WriteChunkSize / opts.BlockSize * writeItemSize,
	}
}

// Create acquires the target, negotiates the capacity and publishes the
// device. When any step fails, everything acquired so far is released through
// the same path as Delete and the error is returned.
func (d *Device) Create() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s := d.State(); s == Active || s == Draining {
		return fmt.Errorf("%w: create while %s", ErrInvalidState, s)
	}

	if d.opts.DevicePath == "" {
		log.Error().Msg("Empty device path is invalid, please provide correct device path")
		return fmt.Errorf("%w: empty device path", ErrInvalidConfiguration)
	}

	log.Info().Str("path", d.opts.DevicePath).Msg("Starting initialization")

	s := &session{gate: gate.New()}
	if err := d.create(s); err != nil {
		log.Warn().Err(err).Msg("Initialization failed, rolling back")

		if terr := d.teardown(s); terr != nil {
			log.Error().Err(terr).Msg("Rollback was not clean")
		}
		if d.State() != Uninitialized {
			d.setState(Uninitialized)
		}

		return err
	}

	log.Info().Int("id", s.identity.ID).Uint64("capacity", s.identity.Capacity).Msg("Initialization complete")

	return nil
}

func (d *Device) create(s *session) error {
	var err error

	s.target, err = d.host.AcquireExclusive(d.opts.DevicePath)
	if err != nil {
		log.Error().Err(err).Str("path", d.opts.DevicePath).Msg("Unable to get block device")
		return fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, d.opts.DevicePath, err)
	}

	log.Info().Msg("Registering identifier")
	s.identity.ID, err = d.host.RegisterIdentifier()
	if err != nil {
		log.Error().Err(err).Msg("Identifier registration failed")
		return fmt.Errorf("%w: register identifier: %w", ErrResourceExhausted, err)
	}
	s.registered = true

	underlying, err := d.host.QueryCapacity(s.target)
	if err != nil {
		return fmt.Errorf("%w: query capacity: %w", ErrInvalidConfiguration, err)
	}

	capacity, err := Negotiate(d.opts.Capacity, underlying)
	if err != nil {
		log.Error().Uint64("need", d.opts.Capacity).Uint64("actual", underlying).Msg("Not enough capacity")
		return err
	}
	if d.opts.Capacity == 0 {
		log.Info().Uint64("capacity", capacity).Msg("Capacity inherited from the target")
	}

	log.Info().Msg("Allocating queue")
	s.queue, err = forward.New(s.target, d.opts.Workers, d.opts.QueueDepth)
	if err != nil {
		return fmt.Errorf("%w: allocate queue: %w", ErrResourceExhausted, err)
	}

	s.identity.Name = d.opts.Name
	s.identity.Capacity = capacity
	s.identity.BlockSize = d.opts.BlockSize

	// After the session is visible and the device published, requests can
	// come at any time.
	d.active.Store(s)
	d.setState(Active)

	log.Info().Str("name", s.identity.Name).Msg("Publishing device")
	if err := d.host.Publish(s.identity, d); err != nil {
		return fmt.Errorf("%w: publish: %w", ErrResourceExhausted, err)
	}
	s.published = true

	return nil
}

// Delete stops admitting requests, waits until all admitted ones complete and
// then unpublishes the device and releases everything. It blocks without a
// timeout. Delete of a device which is not active is a no-op.
func (d *Device) Delete() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.active.Load()
	if s == nil {
		return nil
	}

	err := d.teardown(s)
	d.setState(Closed)

	return err
}

// Releases everything s holds, in this order:
// drain, unpublish, retire queue, drop identity and session, release target,
// unregister identifier. The order matters, the device must not be reachable
// when the queue and the target go away. Missing resources are skipped.
func (d *Device) teardown(s *session) error {
	var err error

	// A session which never got installed had no requests and was never
	// active.
	if d.active.Load() == s {
		d.setState(Draining)
	}
	log.Info().Int64("outstanding", s.gate.Outstanding()).Msg("Draining")
	s.gate.Drain()

	if s.published {
		log.Info().Msg("Unpublishing device")
		if uerr := d.host.Unpublish(s.identity); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("unpublish: %w", uerr))
		}
		s.published = false
	}

	if s.queue != nil {
		log.Info().Msg("Retiring queue")
		s.queue.Retire()
	}

	// Identity and the rest of the session are released with it.
	d.active.Store(nil)

	if s.target != nil {
		log.Info().Msg("Releasing target")
		if rerr := d.host.Release(s.target); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("release target: %w", rerr))
		}
		s.target = nil
	}

	if s.registered {
		log.Info().Int("id", s.identity.ID).Msg("Unregistering identifier")
		if uerr := d.host.UnregisterIdentifier(s.identity.ID); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("unregister identifier: %w", uerr))
		}
		s.registered = false
	}

	return err
}

// Submit admits r and forwards it to the target. r.EndIO is called once the
// forwarded copy completes, with its status. If the device is not active or
// the request cannot be queued, the error is returned right away and EndIO is
// never called.
func (d *Device) Submit(r *forward.Request) error {
	s := d.active.Load()
	if s == nil || !s.gate.Enter() {
		reason := "not active"
		if s != nil && s.gate.Draining() {
			reason = "draining"
		}

		d.opts.Metrics.rejected()
		log.Error().Str("op", r.Op.String()).Str("reason", reason).Msg("Unable to process request")
		return fmt.Errorf("%w: device is %s", ErrIO, reason)
	}

	if err := d.checkBounds(s, r); err != nil {
		s.gate.Leave()
		return err
	}

	d.opts.Metrics.admitted()
	start := time.Now()
	endio := r.EndIO

	proxied := &forward.Request{
		Op:     r.Op,
		Offset: r.Offset,
		Data:   r.Data,
		EndIO: func(err error) {
			if endio != nil {
				endio(err)
			}
			d.opts.Metrics.completed(r.Op, start, err)
			s.gate.Leave()
		},
	}

	if err := s.queue.Forward(proxied); err != nil {
		d.opts.Metrics.completed(r.Op, start, err)
		s.gate.Leave()
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	d.opts.Metrics.queued(s.queue.Queued())

	return nil
}

func (d *Device) checkBounds(s *session, r *forward.Request) error {
	if r.Op == forward.OpFlush {
		return nil
	}

	end := uint64(r.Offset) + uint64(len(r.Data))
	if r.Offset < 0 || end > s.identity.Capacity*SectorSize {
		return fmt.Errorf("%w: %s of %d bytes at %d is beyond capacity", ErrIO, r.Op, len(r.Data), r.Offset)
	}

	return nil
}

// Submits request and waits for its completion.
func (d *Device) do(op forward.Op, offset int64, data []byte) error {
	done := make(chan error, 1)

	err := d.Submit(&forward.Request{
		Op:     op,
		Offset: offset,
		Data:   data,
		EndIO:  func(err error) { done <- err },
	})
	if err != nil {
		return err
	}

	return <-done
}

// ReadAt reads len(p) bytes from the virtual device at byte offset off.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if err := d.do(forward.OpRead, off, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// WriteAt writes p to the virtual device at byte offset off.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if err := d.do(forward.OpWrite, off, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Flush makes the completed writes durable on the target.
func (d *Device) Flush() error {
	return d.do(forward.OpFlush, 0, nil)
}

func (d *Device) State() State {
	return State(d.state.Load())
}

func (d *Device) setState(s State) {
	d.state.Store(int32(s))
	d.opts.Metrics.state(s)
}

// Outstanding returns number of admitted requests which did not complete yet.
func (d *Device) Outstanding() int64 {
	if s := d.active.Load(); s != nil {
		return s.gate.Outstanding()
	}

	return 0
}

// Identity returns the identity of the active device.
func (d *Device) Identity() (Identity, bool) {
	if s := d.active.Load(); s != nil {
		return s.identity, true
	}

	return Identity{}, false
}
