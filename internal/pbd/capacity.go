// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pbd

import (
	"fmt"
)

const (
	// Sector is a linux constant, which is always 512, no matter how big
	// your sectors or blocks are.
	SectorSize = 512

	mibSectors = (1 << 20) / SectorSize
)

// Converts capacity in MiB, the unit used in configuration, to sectors.
func MiBToSectors(mib uint64) uint64 {
	return mib * mibSectors
}

// Negotiate resolves the capacity advertised by the virtual device. Both
// values are in sectors. Zero configured capacity means the whole target is
// used, otherwise the target must be at least as big as configured.
func Negotiate(configured, underlying uint64) (uint64, error) {
	if configured > 0 && underlying < configured {
		return 0, fmt.Errorf("%w: not enough capacity, need %d sectors, target has %d",
			ErrInvalidConfiguration, configured, underlying)
	}

	if configured == 0 {
		return underlying, nil
	}

	return configured, nil
}
