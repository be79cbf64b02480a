// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"github.com/pkg/errors"
)

const (
	BackendNull = "null"
	BackendRAM  = "ram"
	BackendFile = "file"
	BackendS3   = "s3"
)

var Worker WorkerConfig

// Configuration structure for the worker serving one device. Same rules as for
// Config apply.
type WorkerConfig struct {
	ConfigPath string

	Socket string `toml:"socket" env:"BDGATE_SOCKET_PATH" env-default:"/run/bdgate/control.sock" env-description:"Path of the control socket of the daemon."`

	Device struct {
		Name    string `toml:"name" env:"BDGATE_DEVICE_NAME" env-default:"bdgate0" env-description:"Name of the device."`
		Size    int64  `toml:"size" env:"BDGATE_DEVICE_SIZE" env-default:"8" env-description:"Device size in GB."`
		Minors  int32  `toml:"minors" env:"BDGATE_DEVICE_MINORS" env-default:"1" env-description:"Number of minor numbers reserved for the device."`
		Threads int    `toml:"threads" env:"BDGATE_DEVICE_THREADS" env-default:"4" env-description:"Number of threads fetching requests."`

		// Size in bytes after postprocessing.
		Bytes int64 `toml:"-"`
	} `toml:"device"`

	Backend string `toml:"backend" env:"BDGATE_BACKEND" env-default:"ram" env-description:"Storage backend: null, ram, file or s3."`

	File struct {
		Path    string `toml:"path" env:"BDGATE_FILE_PATH" env-default:"/var/lib/bdgate/bdgate0.img" env-description:"Backing file or block device."`
		Durable bool   `toml:"durable" env:"BDGATE_FILE_DURABLE" env-default:"false" env-description:"Sync the file after every write."`
	} `toml:"file"`

	S3 struct {
		Bucket      string `toml:"bucket" env:"BDGATE_S3_BUCKET" env-default:"bdgate" env-description:"Bucket name."`
		Remote      string `toml:"remote" env:"BDGATE_S3_REMOTE" env-default:"http://localhost:9000" env-description:"S3 endpoint address."`
		Region      string `toml:"region" env:"BDGATE_S3_REGION" env-default:"us-east-1" env-description:"S3 region."`
		AccessKey   string `toml:"access_key" env:"BDGATE_S3_ACCESSKEY" env-default:"" env-description:"S3 access key."`
		SecretKey   string `toml:"secret_key" env:"BDGATE_S3_SECRETKEY" env-default:"" env-description:"S3 secret key."`
		Prefix      string `toml:"prefix" env:"BDGATE_S3_PREFIX" env-default:"" env-description:"Prefix of the image objects. Device name when empty."`
		Uploaders   int    `toml:"uploaders" env:"BDGATE_S3_UPLOADERS" env-default:"16" env-description:"Number of concurrent uploads."`
		Downloaders int    `toml:"downloaders" env:"BDGATE_S3_DOWNLOADERS" env-default:"16" env-description:"Number of concurrent downloads."`
		ChunkSize   int64  `toml:"chunk_size" env:"BDGATE_S3_CHUNKSIZE" env-default:"4" env-description:"Size of one object in MB."`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"BDGATE_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"BDGATE_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`
}

// ConfigureWorker does the same as Configure, just for the worker.
func ConfigureWorker(args []string) error {
	if err := flagSetup("bdgate-worker", args, &Worker.ConfigPath, &Worker); err != nil {
		return err
	}

	return parseWorker()
}

func parseWorker() error {
	if err := read(Worker.ConfigPath, &Worker); err != nil {
		return err
	}

	if Worker.Device.Size <= 0 {
		return errors.Errorf("invalid device size %d GB", Worker.Device.Size)
	}
	Worker.Device.Bytes = Worker.Device.Size * 1024 * 1024 * 1024

	if Worker.Device.Threads <= 0 {
		Worker.Device.Threads = 1
	}

	switch Worker.Backend {
	case BackendNull, BackendRAM, BackendFile:
	case BackendS3:
		Worker.S3.ChunkSize *= 1024 * 1024
		if Worker.S3.ChunkSize <= 0 {
			return errors.Errorf("invalid chunk size %d bytes", Worker.S3.ChunkSize)
		}
		if Worker.S3.Prefix == "" {
			Worker.S3.Prefix = Worker.Device.Name
		}
	default:
		return errors.Errorf("unknown backend %q", Worker.Backend)
	}

	return nil
}
