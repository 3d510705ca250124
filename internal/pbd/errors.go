// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pbd

import (
	"errors"
)

// Errors returned by the device. They are usually wrapped with more context,
// compare them with errors.Is.
var (
	// Empty target path or capacity which the target cannot provide.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// The target cannot be opened exclusively.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// Identifier registration, queue or identity allocation or publication
	// failed.
	ErrResourceExhausted = errors.New("resource exhausted")

	// Request rejected because the device is not active.
	ErrIO = errors.New("i/o error")

	// Lifecycle operation called in a state which does not allow it.
	ErrInvalidState = errors.New("invalid device state")
)
