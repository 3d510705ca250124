// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package for synchronized allocation of device identifiers.
package ident

import (
	"errors"
	"fmt"
	"sync"
)

var ErrExhausted = errors.New("ident: no free identifier")

// Allocator hands out identifiers from [base, base+count). An identifier is
// skipped when inUse reports it taken by somebody outside of this process.
type Allocator struct {
	mutex sync.Mutex

	base  int
	count int
	used  map[int]struct{}
	inUse func(id int) bool
}

// inUse may be nil.
func New(base, count int, inUse func(id int) bool) *Allocator {
	if inUse == nil {
		inUse = func(int) bool { return false }
	}

	return &Allocator{
		base:  base,
		count: count,
		used:  make(map[int]struct{}),
		inUse: inUse,
	}
}

// Returns the lowest free identifier and marks it used.
func (a *Allocator) Next() (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for id := a.base; id < a.base+a.count; id++ {
		if _, ok := a.used[id]; ok {
			continue
		}
		if a.inUse(id) {
			continue
		}

		a.used[id] = struct{}{}
		return id, nil
	}

	return 0, ErrExhausted
}

// Returns id back to the allocator.
func (a *Allocator) Release(id int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if _, ok := a.used[id]; !ok {
		return fmt.Errorf("ident: %d is not allocated", id)
	}

	delete(a.used, id)

	return nil
}

// Number of allocated identifiers.
func (a *Allocator) Allocated() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.used)
}
