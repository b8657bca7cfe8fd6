package main

import (
	"fmt"
	"strings"

	"github.com/One-com/gone/hugorm"
	"github.com/One-com/gone/log/syslog"
	"github.com/spf13/cast"
	flag "github.com/spf13/pflag"

	"github.com/One-com/aesdsocketd/aesdsrv"
)

// Name labeling the listener fd in the LISTEN_FDNAMES handoff.
const listenerName = "aesdsocket"

type config struct {
	Daemon     bool
	Addr       string
	DataFile   string
	BufSize    int
	StatsdPeer string
	LogLevel   syslog.Priority
}

// loadConfig resolves the effective configuration from flags, AESDSOCKET_*
// environment variables, an optional JSON config file and defaults -
// in that order of precedence.
func loadConfig() (*config, error) {
	flag.BoolP("daemon", "d", false, "detach and run as a background daemon")
	flag.String("addr", aesdsrv.DefaultAddr, "TCP listen address")
	flag.String("datafile", aesdsrv.DefaultDataPath, "path of the append-only data file")
	flag.Int("bufsize", aesdsrv.DefaultBufSize, "receive buffer capacity in bytes")
	flag.String("statsd", "", "statsd peer address for metrics (disabled when empty)")
	flag.String("loglevel", "info", "syslog log level (debug|info|notice|warn|error|crit)")
	flag.String("config", "", "optional JSON config file")
	flag.Parse()

	hugorm.Reset(hugorm.EnvPrefix("AESDSOCKET"))
	hugorm.AutomaticEnv()

	hugorm.SetDefault("daemon", false)
	hugorm.SetDefault("addr", aesdsrv.DefaultAddr)
	hugorm.SetDefault("datafile", aesdsrv.DefaultDataPath)
	hugorm.SetDefault("bufsize", aesdsrv.DefaultBufSize)
	hugorm.SetDefault("statsd", "")
	hugorm.SetDefault("loglevel", "info")

	if err := hugorm.BindPFlags(flag.CommandLine); err != nil {
		return nil, err
	}

	if file := cast.ToString(hugorm.Get("config")); file != "" {
		hugorm.AddConfigFile("json", file)
	}
	if err := hugorm.LoadConfig(); err != nil {
		return nil, err
	}

	level, err := parseLevel(cast.ToString(hugorm.Get("loglevel")))
	if err != nil {
		return nil, err
	}

	return &config{
		Daemon:     cast.ToBool(hugorm.Get("daemon")),
		Addr:       cast.ToString(hugorm.Get("addr")),
		DataFile:   cast.ToString(hugorm.Get("datafile")),
		BufSize:    cast.ToInt(hugorm.Get("bufsize")),
		StatsdPeer: cast.ToString(hugorm.Get("statsd")),
		LogLevel:   level,
	}, nil
}

func parseLevel(name string) (syslog.Priority, error) {
	switch strings.ToLower(name) {
	case "debug":
		return syslog.LOG_DEBUG, nil
	case "info":
		return syslog.LOG_INFO, nil
	case "notice":
		return syslog.LOG_NOTICE, nil
	case "warn", "warning":
		return syslog.LOG_WARN, nil
	case "error", "err":
		return syslog.LOG_ERROR, nil
	case "crit":
		return syslog.LOG_CRIT, nil
	}
	return 0, fmt.Errorf("unknown log level: %q", name)
}
