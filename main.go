// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bdgate is a daemon dispatching block device operations to user space
// workers. Devices are exported over NBD and their operations are served by
// workers talking to the daemon over a local control socket.
//
// Project structure is following:
//
// - internal/gate contains the registry of devices, their queues and the
// dispatcher of control requests. It is the core of the daemon.
//
// - internal/envelope contains the messages of the control channel and their
// encoding, internal/control the socket server and the client used by
// workers.
//
// - internal/nbd is the block layer exposing the devices.
//
// - internal/worker together with internal/null, internal/ram, internal/file
// and internal/s3 implement the worker, see cmd/bdgate-worker.
//
// - internal/config contains configuration package which is common for the
// daemon and the worker.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/asch/bdgate/internal/config"
	"github.com/asch/bdgate/internal/control"
	"github.com/asch/bdgate/internal/gate"
	"github.com/asch/bdgate/internal/metrics"
	"github.com/asch/bdgate/internal/nbd"
)

// Parse configuration from file and environment variables, start the NBD
// server and the control socket and serve until SIGINT or SIGTERM comes in.
func main() {
	err := config.Configure(os.Args[1:])
	if err == pflag.ErrHelp {
		return
	}
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Daemon failed.")
	}
}

func run() error {
	maxPayload := uint32(config.Cfg.Limits.MaxPayload)

	nbdServer := nbd.New(nbd.Options{MaxPayload: maxPayload})
	registry := gate.NewRegistry(nbdServer, gate.Limits{
		MaxDevices:     config.Cfg.Limits.MaxDevices,
		MaxPayload:     maxPayload,
		InFlightBudget: config.Cfg.Limits.InFlightBudget,
	})
	controlServer := control.NewServer(config.Cfg.Socket.Path, gate.NewDispatcher(registry), control.Options{
		Mode:           config.Cfg.Socket.FileMode,
		MaxRequestSize: control.RequestSizeFor(maxPayload),
		ReadTimeout:    config.Cfg.Socket.ReadTimeout,
		WriteTimeout:   config.Cfg.Socket.WriteTimeout,
	})

	nbdListener, err := listenNBD(config.Cfg.NBD.Network, config.Cfg.NBD.Address)
	if err != nil {
		return err
	}

	controlListener, err := controlServer.Listen()
	if err != nil {
		nbdListener.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	registerSigHandlers(cancel)

	var (
		wg     sync.WaitGroup
		mutex  sync.Mutex
		result error
	)

	serve := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mutex.Lock()
				result = multierr.Append(result, errors.Wrap(err, name))
				mutex.Unlock()
			}
			cancel()
		}()
	}

	serve("nbd", func() error { return nbdServer.Serve(ctx, nbdListener) })
	serve("control", func() error { return controlServer.Serve(ctx, controlListener) })

	<-ctx.Done()

	// Failing the pending operations releases NBD clients waiting for
	// replies, so both servers can finish.
	log.Info().Int("devices", len(registry.Devices())).Msg("Stopping, removing all devices.")
	registry.Close()

	wg.Wait()

	return result
}

func listenNBD(network, address string) (net.Listener, error) {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "removing stale socket %s", address)
		}
	}

	l, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s %s", network, address)
	}

	return l, nil
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(cancel context.CancelFunc) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping.")
		cancel()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and exposes prometheus metrics. Useful for
// perfomance debugging.
func runProfiler(port int) {
	metrics.Register(prometheus.DefaultRegisterer)
	http.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
