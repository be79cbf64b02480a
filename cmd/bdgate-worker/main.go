// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bdgate-worker registers one device with the bdgate daemon and serves its
// operations from the configured backend until it is signaled by SIGINT or
// SIGTERM. The device is removed before the worker exits.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/asch/bdgate/internal/config"
	"github.com/asch/bdgate/internal/control"
	"github.com/asch/bdgate/internal/file"
	"github.com/asch/bdgate/internal/gate"
	"github.com/asch/bdgate/internal/null"
	"github.com/asch/bdgate/internal/ram"
	"github.com/asch/bdgate/internal/s3"
	"github.com/asch/bdgate/internal/s3/objproxy"
	"github.com/asch/bdgate/internal/worker"
)

const removeTimeout = 10 * time.Second

func main() {
	err := config.ConfigureWorker(os.Args[1:])
	if err == pflag.ErrHelp {
		return
	}
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Worker.Log.Pretty, config.Worker.Log.Level)

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Worker failed.")
	}
}

func run() error {
	backend, err := getBackend(config.Worker.Backend)
	if err != nil {
		return errors.Wrapf(err, "creating %s backend", config.Worker.Backend)
	}
	defer worker.PostRemove(backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSigHandlers(cancel)

	client := control.NewClient(config.Worker.Socket)

	dev, err := client.NewDevice(ctx, config.Worker.Device.Name, config.Worker.Device.Bytes/gate.SectorSize,
		config.Worker.Device.Minors)
	if err != nil {
		return errors.Wrap(err, "registering device")
	}

	log.Info().Str("name", dev.Name).Uint64("handle", dev.Handle).Str("serial", dev.Serial).
		Msg("Device registered.")

	result := worker.Run(ctx, client, dev.Handle, backend, worker.Options{Threads: config.Worker.Device.Threads})

	log.Info().Str("name", dev.Name).Msg("Removing device.")

	removeCtx, removeCancel := context.WithTimeout(context.Background(), removeTimeout)
	defer removeCancel()

	err = client.RemoveDevice(removeCtx, dev.Handle)
	if errors.Is(err, gate.ErrNotFound) {
		err = nil
	}

	return multierr.Append(result, errors.Wrap(err, "removing device"))
}

// Return the backend the user wants. Memory backed device is the default.
func getBackend(name string) (worker.ReadWriter, error) {
	switch name {
	case config.BackendNull:
		return null.New(), nil
	case config.BackendFile:
		f, err := file.Open(config.Worker.File.Path, config.Worker.Device.Bytes, config.Worker.File.Durable)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.BackendS3:
		b, err := newS3()
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return ram.New(config.Worker.Device.Bytes), nil
	}
}

func newS3() (*s3.Backend, error) {
	c := config.Worker.S3

	store, err := s3.NewStore(s3.Options{
		Remote:    c.Remote,
		Region:    c.Region,
		Bucket:    c.Bucket,
		Prefix:    c.Prefix,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	proxy := objproxy.New(store, c.Uploaders, c.Downloaders)

	backend, err := s3.New(proxy, config.Worker.Device.Bytes, c.ChunkSize)
	if err != nil {
		proxy.Close()
		return nil, err
	}

	return backend, nil
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(cancel context.CancelFunc) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping worker.")
		cancel()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}
