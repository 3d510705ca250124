// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

//go:build linux

package backing

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/asch/pbd/internal/backing/blockdev"
	"github.com/asch/pbd/internal/backing/nbd"
	"github.com/asch/pbd/internal/backing/null"
	"github.com/asch/pbd/internal/backing/s3"
)

const (
	schemeNull = "null:"
	schemeNbd  = "nbd:"
	schemeS3   = "s3://"

	mib = 1024 * 1024
)

// Options for the backends which need more than the path.
type Options struct {
	// Size of null: target when the path does not say.
	NullSize int64

	// Connection parameters of s3:// targets. Bucket and prefix come from
	// the path.
	S3 s3.Options

	// Size of one object and size of the whole s3:// target in bytes.
	S3ChunkSize int64
	S3Size      int64
}

// Open resolves path to a target device and opens it exclusively.
//
//	null:[MiB]             null device of given size
//	nbd:<socket>           NBD export behind a unix socket
//	s3://bucket[/prefix]   chunked object device
//	anything else          block device or file
func Open(path string, o Options) (Device, error) {
	switch {
	case strings.HasPrefix(path, schemeNull):
		return openNull(strings.TrimPrefix(path, schemeNull), o.NullSize)

	case strings.HasPrefix(path, schemeNbd):
		n, err := nbd.Open(strings.TrimPrefix(path, schemeNbd))
		if err != nil {
			return nil, err
		}
		return n, nil

	case strings.HasPrefix(path, schemeS3):
		return openS3(path, o)
	}

	b, err := blockdev.Open(path)
	if err != nil {
		return nil, err
	}

	return b, nil
}

func openNull(size string, defaultSize int64) (Device, error) {
	if size == "" {
		return null.New(defaultSize), nil
	}

	sizeMiB, err := strconv.ParseInt(size, 10, 64)
	if err != nil || sizeMiB < 0 {
		return nil, fmt.Errorf("invalid null device size %q", size)
	}

	return null.New(sizeMiB * mib), nil
}

func openS3(path string, o Options) (Device, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%s: missing bucket", path)
	}

	so := o.S3
	so.Bucket = u.Host
	so.Prefix = strings.Trim(u.Path, "/")

	store, err := s3.New(so)
	if err != nil {
		return nil, err
	}

	d, err := s3.Acquire(store, o.S3ChunkSize, o.S3Size)
	if err != nil {
		return nil, err
	}

	return d, nil
}
