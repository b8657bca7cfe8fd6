package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/One-com/gone/sd"
)

// CleanupFunc is a function to call after the servers have fully exited.
// These can be used to - say - close files or flush buffers.
type CleanupFunc func() error

// ConfigFunc instantiates the servers to run and the CleanupFuncs to call
// when they have completely shut down.
type ConfigFunc func() ([]Server, []CleanupFunc, error)

// exit requests are buffered by one; a pending request is enough.
var stopch = make(chan struct{}, 1)

type runcfg struct {
	cfgfunc         ConfigFunc
	readyCallbacks  []func() error
	shutdownTimeout time.Duration
}

// RunOption changes the behaviour of Run().
type RunOption func(*runcfg)

// Configurator gives Run() a ConfigFunc. This is the only mandatory RunOption.
func Configurator(f ConfigFunc) RunOption {
	return func(rc *runcfg) {
		rc.cfgfunc = f
	}
}

// ReadyCallback sets a function to be called when all servers have
// started without error.
func ReadyCallback(f func() error) RunOption {
	return func(rc *runcfg) {
		rc.readyCallbacks = append(rc.readyCallbacks, f)
	}
}

// ShutdownTimeout bounds how long Run() waits for lingering servers to be
// completely done after Serve() has exited. Zero means wait indefinitely.
func ShutdownTimeout(to time.Duration) RunOption {
	return func(rc *runcfg) {
		rc.shutdownTimeout = to
	}
}

// SdNotifyOnReady makes Run() notify systemd with READY=1 when all servers
// have started. If mainpid is true, the MAINPID of the current process is
// also notified. Having no notify socket is not an error.
func SdNotifyOnReady(mainpid bool, status string) RunOption {
	return func(rc *runcfg) {
		rc.readyCallbacks = append(rc.readyCallbacks, func() error {
			var msg [3]string
			c := 0
			msg[c] = "READY=1"
			c++
			if mainpid {
				msg[c] = fmt.Sprintf("MAINPID=%d", os.Getpid())
				c++
			}
			if status != "" {
				msg[c] = fmt.Sprintf("STATUS=%s", status)
				c++
			}
			err := sd.Notify(0, msg[0:c]...)
			if err == sd.ErrSdNotifyNoSocket {
				Log(LvlWARN, "No systemd notify socket")
				return nil
			}
			return err
		})
	}
}

// Run instantiates the configured servers and serves them until Exit() is
// called. It first lets every ListeningServer Listen(), so setup errors
// (like failing to bind a socket) are returned before any serving starts.
// After Serve() has exited it waits for lingering servers, runs the
// cleanup functions and returns.
func Run(opts ...RunOption) (err error) {
	cfg := &runcfg{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.cfgfunc == nil {
		return errors.New("don't know how to configure servers")
	}

	servers, cleanups, err := cfg.cfgfunc()
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		return errNoServers
	}

	readyCallback := func() error {
		var err error
		for _, f := range cfg.readyCallbacks {
			if e := f(); err == nil {
				err = e
			}
		}
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The signal path only flags; actual teardown happens below on the
	// synchronous path once Serve() has exited.
	go func() {
		select {
		case <-stopch:
			Log(LvlNOTICE, "Exit requested")
			cancel()
		case <-ctx.Done():
		}
	}()

	ensemble := serverEnsemble{servers: servers, readycb: readyCallback}

	// Setup errors (like failing to bind) abort before any serving and
	// before any shutdown handling; there is nothing to unwind yet.
	if err = ensemble.Listen(); err != nil {
		return
	}

	// We have all the network files we need now.
	// Make the sd state close the rest.
	sd.Cleanup()

	err = ensemble.Serve(ctx)

	Log(LvlNOTICE, "Exit mainloop")
	recordShutdown(ensemble, cleanups, cfg.shutdownTimeout)

	sd.Reset()
	return
}

// recordShutdown waits for lingering server activity - forcing the issue
// on timeout - and then runs the cleanups.
func recordShutdown(ensemble serverEnsemble, cleanups []CleanupFunc, timeout time.Duration) {
	ctx := context.Background()
	if timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if e := ensemble.Shutdown(ctx); e != nil {
		Log(LvlERROR, "Forcefully closing...")
		if e = ensemble.Close(); e != nil {
			Log(LvlCRIT, "Forcefully closing failed")
		}
	}

	// All servers done - either voluntarily or the hard way.
	for _, f := range cleanups {
		if e := f(); e != nil {
			Log(LvlWARN, fmt.Sprintf("Cleanup failed: %s", e.Error()))
		}
	}
	Log(LvlNOTICE, "All servers shut down")
}

// Exit tells Run() to stop serving, shut down and return.
// It is safe to call from a signal handling context.
func Exit() {
	select {
	case stopch <- struct{}{}:
	default:
		Log(LvlNOTICE, "Exit already pending")
	}
}
