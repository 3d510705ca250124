// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package forward redirects requests of the virtual device to the underlying
// device. Each request is cloned, the clone is executed by a pool of workers
// against the target and its result is handed back to the original request
// through a continuation.
package forward

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/pbd/internal/backing"
)

var (
	// Returned by Forward when the queue was already retired.
	ErrRetired = errors.New("forward: queue retired")

	ErrNoWorkers = errors.New("forward: at least one worker is needed")
)

// Op is the direction of a request.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	}

	return fmt.Sprintf("op(%d)", int(o))
}

// Request is one unit of I/O addressed to the virtual device. EndIO is called
// exactly once with the status of the forwarded copy.
type Request struct {
	Op     Op
	Offset int64
	Data   []byte
	EndIO  func(err error)
}

// Clone of the original request redirected to the target. The payload is
// shared with the original, nothing is copied.
type proxyRequest struct {
	op       Op
	offset   int64
	data     []byte
	original *Request
}

var proxyPool = sync.Pool{
	New: func() interface{} { return new(proxyRequest) },
}

// Forwarder owns the request queue of the virtual device. It spawns workers
// which execute the proxy requests against the target.
type Forwarder struct {
	target backing.Device

	workers int

	// Guards against sending to the closed queue. Readers are submitters,
	// the writer is Retire.
	mu      sync.RWMutex
	retired bool

	queue chan *proxyRequest
	wg    sync.WaitGroup
}

// Returns new forwarder which can be directly used. It immediately spawns
// workers go routines. depth is the number of requests which can wait in the
// queue before Forward starts to block.
func New(target backing.Device, workers, depth int) (*Forwarder, error) {
	if workers <= 0 {
		return nil, ErrNoWorkers
	}

	if depth < 0 {
		depth = 0
	}

	f := &Forwarder{
		target:  target,
		workers: workers,
		queue:   make(chan *proxyRequest, depth),
	}

	f.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go f.worker()
	}

	return f, nil
}

// Forward clones r, redirects the clone to the target and returns as soon as
// the clone is queued. r.EndIO is called from a worker once the clone
// finishes. If the clone cannot be queued, the error is returned and EndIO is
// not called.
func (f *Forwarder) Forward(r *Request) error {
	p := proxyPool.Get().(*proxyRequest)
	p.op = r.Op
	p.offset = r.Offset
	p.data = r.Data
	p.original = r

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.retired {
		putProxy(p)
		return ErrRetired
	}

	log.Trace().Str("op", r.Op.String()).Int64("offset", r.Offset).Int("len", len(r.Data)).Msg("sending proxy request")
	f.queue <- p

	return nil
}

// Retire stops accepting requests and waits until the workers finish the
// queued ones. It is safe to call it multiple times.
func (f *Forwarder) Retire() {
	f.mu.Lock()
	if !f.retired {
		f.retired = true
		close(f.queue)
	}
	f.mu.Unlock()

	f.wg.Wait()
}

// Number of requests waiting in the queue for a worker.
func (f *Forwarder) Queued() int {
	return len(f.queue)
}

func (f *Forwarder) worker() {
	defer f.wg.Done()

	for p := range f.queue {
		err := f.execute(p)
		endProxyRequest(p, err)
	}
}

// Runs the proxy request against the target.
func (f *Forwarder) execute(p *proxyRequest) error {
	switch p.op {
	case OpRead:
		n, err := f.target.ReadAt(p.data, p.offset)
		if n < len(p.data) && (err == nil || err == io.EOF) {
			return io.ErrUnexpectedEOF
		}
		if err == io.EOF {
			err = nil
		}
		return err

	case OpWrite:
		n, err := f.target.WriteAt(p.data, p.offset)
		if err == nil && n < len(p.data) {
			err = io.ErrShortWrite
		}
		return err

	case OpFlush:
		return f.target.Sync()
	}

	return fmt.Errorf("forward: unknown %v", p.op)
}

// Completion continuation of the proxy request. It ends the original request
// with the same status and releases the proxy.
func endProxyRequest(p *proxyRequest, err error) {
	original := p.original
	putProxy(p)

	if err != nil {
		log.Debug().Err(err).Str("op", original.Op.String()).Int64("offset", original.Offset).Msg("proxy request failed")
	}

	if original.EndIO != nil {
		original.EndIO(err)
	}
}

func putProxy(p *proxyRequest) {
	*p = proxyRequest{}
	proxyPool.Put(p)
}
