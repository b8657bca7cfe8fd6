// aesdsocketd is a line-oriented echo-append TCP server.
//
// It listens on port 9000, appends every newline-terminated message to
// /var/tmp/aesdsocketdata and streams the full accumulated file content
// back to the client after each appended line. With -d it detaches and
// runs as a background daemon. SIGINT/SIGTERM shut it down cleanly,
// removing the data file.
package main

import (
	"fmt"
	stdsyslog "log/syslog"
	"os"
	"syscall"
	"time"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"github.com/One-com/gone/metric"
	"github.com/One-com/gone/metric/sink/statsd"

	"github.com/One-com/aesdsocketd/aesdsrv"
	"github.com/One-com/aesdsocketd/daemon"
	"github.com/One-com/aesdsocketd/daemonize"
	"github.com/One-com/aesdsocketd/signals"
)

//----------------- Signal handling ----------------------

func onSignalExit() {
	log.NOTICE("Caught signal, exiting")
	daemon.Exit()
}

func onSignalIncLogLevel() {
	log.IncLevel()
	log.ALERT(fmt.Sprintf("Log level: %d", log.Level()))
}

func onSignalDecLogLevel() {
	log.DecLevel()
	log.ALERT(fmt.Sprintf("Log level: %d", log.Level()))
}

// serverLogFunc bridges the library logging hooks to gone/log.
func serverLogFunc(level int, message string) {
	log.Log(syslog.Priority(level), message)
}

//---------------------------------------------------------

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	setupLogging(cfg)

	srv := &aesdsrv.Server{
		Addr:           cfg.Addr,
		DataPath:       cfg.DataFile,
		BufSize:        cfg.BufSize,
		ListenerFdName: listenerName,
		Logger:         serverLogFunc,
	}

	if cfg.Daemon && !daemonize.Active() {
		// Bind before detaching, so the invoking shell gets to see any
		// bind failure.
		if err := srv.Listen(); err != nil {
			log.CRIT(fmt.Sprintf("Setup failed: %s", err))
			return 1
		}
		file, err := srv.ListenerFile()
		if err != nil {
			log.CRIT(fmt.Sprintf("Setup failed: %s", err))
			return 1
		}
		pid, err := daemonize.Detach([]string{srv.ListenerFdName}, []*os.File{file})
		file.Close()
		if err != nil {
			log.CRIT(fmt.Sprintf("Could not detach: %s", err))
			return 1
		}
		log.NOTICE(fmt.Sprintf("Daemon started, pid %d", pid))
		return 0
	}

	var mclient *metric.Client
	if cfg.StatsdPeer != "" {
		sinkf, err := statsd.New(statsd.Peer(cfg.StatsdPeer), statsd.Prefix("aesdsocketd"))
		if err != nil {
			log.ERROR(fmt.Sprintf("Metrics disabled: %s", err))
		} else {
			mclient = metric.NewClient(sinkf, metric.FlushInterval(10*time.Second))
			mclient.Start()
			srv.Metrics = aesdsrv.NewMetrics(mclient)
		}
	}

	daemon.SetLogger(serverLogFunc)

	// A peer closing its read side must surface as a send error, not
	// kill the process.
	signals.Ignore(syscall.SIGPIPE)

	stop := signals.Watch(signals.Mappings{
		syscall.SIGINT:  onSignalExit,
		syscall.SIGTERM: onSignalExit,
		syscall.SIGTTIN: onSignalIncLogLevel,
		syscall.SIGTTOU: onSignalDecLogLevel,
	})
	defer stop()

	configureFunc := func() ([]daemon.Server, []daemon.CleanupFunc, error) {
		servers := []daemon.Server{srv}
		cleanups := []daemon.CleanupFunc{
			func() error {
				if mclient != nil {
					mclient.Stop()
				}
				return nil
			},
		}
		return servers, cleanups, nil
	}

	log.NOTICE(fmt.Sprintf("Starting aesdsocketd, pid %d", os.Getpid()))

	err = daemon.Run(
		daemon.Configurator(configureFunc),
		daemon.SdNotifyOnReady(true, "Ready and serving"),
		daemon.ShutdownTimeout(4*time.Second),
	)
	if err != nil {
		log.CRIT(fmt.Sprintf("Setup failed: %s", err))
		return 1
	}
	log.NOTICE("Halted")
	return 0
}

// setupLogging directs log output to the system log facility when
// detached (stdio is the null device then) and to the terminal otherwise.
func setupLogging(cfg *config) {
	if daemonize.Active() {
		w, err := stdsyslog.New(stdsyslog.LOG_DAEMON|stdsyslog.LOG_INFO, "aesdsocketd")
		if err == nil {
			log.Default().SetOutput(w)
			log.Default().SetFlags(0) // syslogd supplies the timestamp
		}
	} else {
		// Minimal mode emits syslog-compatible "<level>message" lines,
		// leaving timestamping to whatever supervises the process.
		log.Minimal()
		log.AutoColoring()
	}
	log.SetLevel(cfg.LogLevel)
}
