// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// pbd is a userspace daemon using BUSE for creating a block device which
// forwards every request to another device. The target can be a local block
// device or file, an NBD export, an S3 bucket or a null device.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/pbd contains the device lifecycle: admission of requests,
// forwarding to the target and ordered teardown. It does not touch the kernel
// directly, everything goes through the Host interface.
//
// - internal/host is the Linux implementation of the Host interface on top of
// BUSE.
//
// - internal/backing contains the target devices the requests are forwarded
// to.
//
// - internal/config contains configuration package.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/asch/buse/lib/go/buse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/pbd/internal/backing"
	"github.com/asch/pbd/internal/backing/s3"
	"github.com/asch/pbd/internal/config"
	"github.com/asch/pbd/internal/host"
	"github.com/asch/pbd/internal/pbd"
)

// Parse configuration from file and environment variables, creates the proxy
// device and publishes it. The device is served until it is signaled by SIGINT
// or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	cfg := &config.Cfg

	loggerSetup(cfg.Log.Pretty, cfg.Log.Level)

	var metrics *pbd.Metrics
	if cfg.Metrics {
		metrics = pbd.NewMetrics(prometheus.DefaultRegisterer)
		http.Handle("/metrics", promhttp.Handler())
	}

	if cfg.Profiler || cfg.Metrics {
		runProfiler(cfg.ProfilerPort)
	}

	h := host.New(host.Options{
		Backing: backing.Options{
			NullSize: int64(cfg.Null.SizeMiB) * 1024 * 1024,
			S3: s3.Options{
				Remote:    cfg.S3.Remote,
				Region:    cfg.S3.Region,
				AccessKey: cfg.S3.AccessKey,
				SecretKey: cfg.S3.SecretKey,
			},
			S3ChunkSize: cfg.S3.ChunkSize,
			S3Size:      cfg.S3.Size,
		},
		FirstID:     cfg.Major,
		MaxDevices:  cfg.MaxDevices,
		ConfigfsDir: host.DefaultConfigfsDir,
		Buse: buse.Options{
			Durable:        cfg.Write.Durable,
			WriteChunkSize: int64(cfg.Write.ChunkSize),
			Threads:        cfg.Threads,
			WriteShmSize:   int64(cfg.Write.BufSize),
			ReadShmSize:    int64(cfg.Read.BufSize),
			CollisionArea:  int64(cfg.Write.CollisionSize),
			QueueDepth:     int64(cfg.QueueDepth),
			Scheduler:      cfg.Scheduler,
		},
	})

	dev := pbd.New(h, pbd.Options{
		Name:           cfg.Name,
		DevicePath:     cfg.DevicePath,
		Capacity:       pbd.MiBToSectors(cfg.CapacityMiB),
		BlockSize:      cfg.BlockSize,
		Workers:        cfg.Workers,
		QueueDepth:     cfg.QueueDepth,
		WriteChunkSize: cfg.Write.ChunkSize,
		Durable:        cfg.Write.Durable,
		Metrics:        metrics,
	})

	if err := dev.Create(); err != nil {
		log.Error().Err(err).Msg("Unable to create the device")
		os.Exit(1)
	}

	waitForSignal()

	log.Info().Msg("Received interrupt, deleting the device!")

	if err := dev.Delete(); err != nil {
		log.Error().Err(err).Msg("Device was not deleted cleanly")
		os.Exit(1)
	}
}

// Blocks until SIGINT or SIGTERM came in.
func waitForSignal() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
	signal.Stop(stopChan)
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and metrics. Useful for perfomance
// debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
