// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// pbd is a proxy block device. It publishes a virtual block device through
// BUSE and forwards every request it receives to an underlying device without
// looking at the payload.
//
// The interesting part is the lifecycle. Requests come in concurrently from
// the BUSE threads while the device can be deleted at any time. Each request
// has to pass the admission gate, which is closed as the first step of Delete.
// Delete then waits until every admitted request completed and only after
// that it unpublishes the device and releases the target. Creation failures
// are rolled back through the same path.
//
// The host environment (device acquisition, identifier registry, BUSE
// publication) is hidden behind the Host interface so the core can run
// without the kernel module.
package pbd
