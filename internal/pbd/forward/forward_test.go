// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package forward

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// In-memory target recording what reached it.
type memDevice struct {
	mu     sync.Mutex
	data   []byte
	syncs  int
	ops    []string
	failOn error
}

func newMemDevice(size int) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "read")
	if m.failOn != nil {
		return 0, m.failOn
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "write")
	if m.failOn != nil {
		return 0, m.failOn
	}
	return copy(m.data[off:], p), nil
}

func (m *memDevice) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return m.failOn
}

func (m *memDevice) Close() error         { return nil }
func (m *memDevice) Size() (int64, error) { return int64(len(m.data)), nil }

// Forwards r and waits for its completion.
func forwardSync(t *testing.T, f *Forwarder, r *Request) error {
	t.Helper()

	done := make(chan error, 1)
	r.EndIO = func(err error) { done <- err }
	require.NoError(t, f.Forward(r))

	return <-done
}

func TestNewWithoutWorkers(t *testing.T) {
	_, err := New(newMemDevice(0), 0, 0)
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestRoundTrip(t *testing.T) {
	dev := newMemDevice(4096)
	f, err := New(dev, 4, 8)
	require.NoError(t, err)
	defer f.Retire()

	payload := []byte("pass me through unchanged")
	require.NoError(t, forwardSync(t, f, &Request{Op: OpWrite, Offset: 512, Data: payload}))
	assert.Equal(t, payload, dev.data[512:512+len(payload)])

	out := make([]byte, len(payload))
	require.NoError(t, forwardSync(t, f, &Request{Op: OpRead, Offset: 512, Data: out}))
	assert.Equal(t, payload, out)

	require.NoError(t, forwardSync(t, f, &Request{Op: OpFlush}))
	assert.Equal(t, 1, dev.syncs)
	assert.Equal(t, []string{"write", "read"}, dev.ops)
}

func TestErrorIsPropagatedUnchanged(t *testing.T) {
	boom := errors.New("medium error")
	dev := newMemDevice(4096)
	dev.failOn = boom

	f, err := New(dev, 1, 0)
	require.NoError(t, err)
	defer f.Retire()

	for _, op := range []Op{OpRead, OpWrite, OpFlush} {
		err := forwardSync(t, f, &Request{Op: op, Data: make([]byte, 512)})
		assert.Same(t, boom, err, op.String())
	}
}

func TestShortReadFails(t *testing.T) {
	f, err := New(newMemDevice(1024), 1, 0)
	require.NoError(t, err)
	defer f.Retire()

	err = forwardSync(t, f, &Request{Op: OpRead, Offset: 512, Data: make([]byte, 1024)})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// A read ending exactly at the end of the device is fine.
	err = forwardSync(t, f, &Request{Op: OpRead, Offset: 512, Data: make([]byte, 512)})
	assert.NoError(t, err)
}

// Target returning a fixed result for every read.
type readResult struct {
	*memDevice
	n   int
	err error
}

func (r *readResult) ReadAt(p []byte, off int64) (int, error) {
	return r.n, r.err
}

func TestReadStatus(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name string
		n    int
		err  error
		want error
	}{
		{name: "full", n: 512},
		{name: "full with EOF", n: 512, err: io.EOF},
		{name: "short with EOF", n: 100, err: io.EOF, want: io.ErrUnexpectedEOF},
		{name: "short without error", n: 100, want: io.ErrUnexpectedEOF},
		{name: "nothing with EOF", n: 0, err: io.EOF, want: io.ErrUnexpectedEOF},
		{name: "target error", n: 100, err: boom, want: boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(&readResult{memDevice: newMemDevice(512), n: tt.n, err: tt.err}, 1, 0)
			require.NoError(t, err)
			defer f.Retire()

			err = forwardSync(t, f, &Request{Op: OpRead, Data: make([]byte, 512)})
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestEndIOCalledExactlyOnce(t *testing.T) {
	f, err := New(newMemDevice(1<<20), 8, 16)
	require.NoError(t, err)

	const n = 1000
	var calls atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		r := &Request{
			Op:     OpWrite,
			Offset: int64(i%256) * 512,
			Data:   make([]byte, 512),
			EndIO: func(err error) {
				assert.NoError(t, err)
				calls.Add(1)
				wg.Done()
			},
		}
		require.NoError(t, f.Forward(r))
	}

	wg.Wait()
	f.Retire()

	assert.Equal(t, int64(n), calls.Load())
}

func TestForwardAfterRetire(t *testing.T) {
	dev := newMemDevice(4096)
	f, err := New(dev, 2, 0)
	require.NoError(t, err)

	f.Retire()
	f.Retire()

	called := false
	err = f.Forward(&Request{Op: OpWrite, Data: make([]byte, 512), EndIO: func(error) { called = true }})
	assert.ErrorIs(t, err, ErrRetired)
	assert.False(t, called)
	assert.Empty(t, dev.ops)
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "read", OpRead.String())
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "flush", OpFlush.String())
	assert.Equal(t, "op(7)", Op(7).String())
}
