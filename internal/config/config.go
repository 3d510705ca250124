// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values. Only the main package reads Cfg, everything else gets
// its values through Options structs.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/pbd/config.toml"

	mib = 1024 * 1024
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	DevicePath  string `toml:"device_path" env:"PBD_DEVICE_PATH" env-default:"" env-description:"Device to which IO will be forwarded. Block device path, nbd:<socket>, s3://bucket/prefix or null:[MiB]."`
	CapacityMiB uint64 `toml:"capacity_mib" env:"PBD_CAPACITY_MIB" env-default:"100" env-description:"Advertised capacity in MiB. 0 inherits the capacity of the target device."`
	Name        string `toml:"name" env:"PBD_NAME" env-default:"pbd" env-description:"Display name of the virtual device."`
	Major       int    `toml:"major" env:"PBD_MAJOR" env-default:"0" env-description:"First BUSE device index to try. Decimal part of /dev/buse%d."`
	MaxDevices  int    `toml:"max_devices" env:"PBD_MAX_DEVICES" env-default:"16" env-description:"Number of BUSE device indices available for allocation."`
	Workers     int    `toml:"workers" env:"PBD_WORKERS" env-default:"16" env-description:"Number of go routines forwarding requests to the target device."`
	Threads     int    `toml:"threads" env:"PBD_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
	BlockSize   int    `toml:"block_size" env:"PBD_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
	Scheduler   bool   `toml:"scheduler" env:"PBD_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
	QueueDepth  int    `toml:"queue_depth" env:"PBD_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`

	Write struct {
		Durable       bool `toml:"durable" env:"PBD_WRITE_DURABLE" env-description:"Flush semantics. True means durable, false means barrier only." env-default:"false"`
		BufSize       int  `toml:"shared_buffer_size" env:"PBD_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ChunkSize     int  `toml:"chunk_size" env:"PBD_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
		CollisionSize int  `toml:"collision_chunk_size" env:"PBD_WRITE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
	} `toml:"write"`

	Read struct {
		BufSize int `toml:"shared_buffer_size" env:"PBD_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"read"`

	Null struct {
		SizeMiB uint64 `toml:"size" env:"PBD_NULL_SIZE" env-description:"Size of the null: target in MiB when the path does not specify it." env-default:"1024"`
	} `toml:"null"`

	S3 struct {
		Remote    string `toml:"remote" env:"PBD_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"PBD_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"PBD_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"PBD_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		ChunkSize int64  `toml:"chunk_size" env:"PBD_S3_CHUNKSIZE" env-description:"Size of one object in MB." env-default:"4"`
		Size      int64  `toml:"size" env:"PBD_S3_SIZE" env-description:"Size of the s3:// target in GB." env-default:"8"`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"PBD_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"PBD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"PBD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"PBD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
	Metrics      bool `toml:"metrics" env:"PBD_METRICS" env-description:"Serve prometheus metrics on /metrics of the profiler port." env-default:"false"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	return parse(&Cfg)
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the cfg structure.
func parse(cfg *Config) error {
	if err := cleanenv.ReadConfig(cfg.ConfigPath, cfg); err != nil {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return err
		}
	}

	cfg.Write.BufSize *= mib
	cfg.Write.ChunkSize *= mib
	cfg.Write.CollisionSize *= mib
	cfg.Read.BufSize *= mib
	cfg.S3.ChunkSize *= mib
	cfg.S3.Size *= 1024 * mib

	if cfg.BlockSize != 512 {
		cfg.BlockSize = 4096
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("pbd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
