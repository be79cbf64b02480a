// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values of the daemon and of the worker.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	// Default config path. It does not need to exist, default values for
	// all parameters will be used instead.
	defaultConfig = "/etc/bdgate/config.toml"
)

var Cfg Config

// Configuration structure for the daemon. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Socket struct {
		Path           string `toml:"path" env:"BDGATE_SOCKET_PATH" env-default:"/run/bdgate/control.sock" env-description:"Path of the control socket."`
		Mode           string `toml:"mode" env:"BDGATE_SOCKET_MODE" env-default:"0660" env-description:"Permissions of the control socket, octal."`
		ReadTimeoutMs  int64  `toml:"read_timeout" env:"BDGATE_SOCKET_READTIMEOUT" env-default:"30000" env-description:"Time for a worker to send its request. In ms."`
		WriteTimeoutMs int64  `toml:"write_timeout" env:"BDGATE_SOCKET_WRITETIMEOUT" env-default:"10000" env-description:"Time for writing a response to a worker. In ms."`

		FileMode     os.FileMode   `toml:"-"`
		ReadTimeout  time.Duration `toml:"-"`
		WriteTimeout time.Duration `toml:"-"`
	} `toml:"socket"`

	NBD struct {
		Network string `toml:"network" env:"BDGATE_NBD_NETWORK" env-default:"tcp" env-description:"Network of the NBD listener, tcp or unix."`
		Address string `toml:"address" env:"BDGATE_NBD_ADDRESS" env-default:"localhost:10809" env-description:"Address of the NBD listener."`
	} `toml:"nbd"`

	Limits struct {
		MaxDevices     int   `toml:"max_devices" env:"BDGATE_LIMITS_MAXDEVICES" env-default:"64" env-description:"Maximum number of devices. Zero means unlimited."`
		MaxPayload     int64 `toml:"max_payload" env:"BDGATE_LIMITS_MAXPAYLOAD" env-default:"1024" env-description:"Maximum length of one operation in KB."`
		InFlightBudget int64 `toml:"in_flight_budget" env:"BDGATE_LIMITS_INFLIGHT" env-default:"64" env-description:"Maximum payload in flight per device in MB. Zero means unlimited."`
	} `toml:"limits"`

	Log struct {
		Level  int  `toml:"level" env:"BDGATE_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"BDGATE_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"BDGATE_PROFILER" env-description:"Enable golang web profiler and prometheus metrics." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"BDGATE_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment variables
// have the highest priority. It is perfectly fine to use just one of these or
// to combine them.
func Configure(args []string) error {
	if err := flagSetup("bdgate", args, &Cfg.ConfigPath, &Cfg); err != nil {
		return err
	}

	return parse()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := read(Cfg.ConfigPath, &Cfg); err != nil {
		return err
	}

	mode, err := strconv.ParseUint(Cfg.Socket.Mode, 8, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid socket mode %q", Cfg.Socket.Mode)
	}
	Cfg.Socket.FileMode = os.FileMode(mode)
	Cfg.Socket.ReadTimeout = time.Duration(Cfg.Socket.ReadTimeoutMs) * time.Millisecond
	Cfg.Socket.WriteTimeout = time.Duration(Cfg.Socket.WriteTimeoutMs) * time.Millisecond

	if Cfg.NBD.Network != "tcp" && Cfg.NBD.Network != "unix" {
		return errors.Errorf("unsupported NBD network %q", Cfg.NBD.Network)
	}

	Cfg.Limits.MaxPayload *= 1024
	Cfg.Limits.InFlightBudget *= 1024 * 1024

	if Cfg.Limits.MaxPayload <= 0 || Cfg.Limits.MaxPayload%512 != 0 || Cfg.Limits.MaxPayload > 1<<31 {
		return errors.Errorf("invalid maximum payload of %d bytes", Cfg.Limits.MaxPayload)
	}

	return nil
}

// Reads the configuration file at path into cfg. A missing file is not an
// error, the environment and the defaults are used instead.
func read(path string, cfg interface{}) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return errors.Wrap(cleanenv.ReadEnv(cfg), "reading environment")
	}

	return errors.Wrapf(cleanenv.ReadConfig(path, cfg), "reading %s", path)
}

// Handle program flags.
func flagSetup(name string, args []string, path *string, cfg interface{}) error {
	f := pflag.NewFlagSet(name, pflag.ContinueOnError)
	f.StringVarP(path, "config", "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(os.Stderr, cfg, nil, f.PrintDefaults)

	return f.Parse(args)
}
