// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"io"
)

// Null target device. Writes are acknowledged and dropped, reads return
// zeros. Usefull for measuring performance of the forwarding path and BUSE
// without any real device behind it. Otherwise useless.
type Null struct {
	size int64
}

func New(size int64) *Null {
	return &Null{size: size}
}

func (n *Null) ReadAt(p []byte, off int64) (int, error) {
	if off >= n.size {
		return 0, io.EOF
	}

	if rest := n.size - off; int64(len(p)) > rest {
		p = p[:rest]
		clear(p)
		return len(p), io.EOF
	}

	clear(p)

	return len(p), nil
}

func (n *Null) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > n.size {
		return 0, io.ErrShortWrite
	}

	return len(p), nil
}

func (n *Null) Sync() error {
	return nil
}

func (n *Null) Close() error {
	return nil
}

func (n *Null) Size() (int64, error) {
	return n.size, nil
}
