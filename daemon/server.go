package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Server is the interface of objects daemon.Run() will manage.
// These objects are single-use only with a lifetime:
// Listen, Serve, Shutdown - and possibly Close() if Shutdown exits non-nil.
type Server interface {
	// Serve will start serving until the context is canceled at which
	// point it will stop generating new activity and exit.
	Serve(context.Context) error
}

// ListeningServer is a Server which wishes to have its Listen() method
// called before Serve(). It doesn't need to actually do network
// listening; it's an opportunity to get a pre-serve call whose error
// aborts the daemon before it starts serving.
type ListeningServer interface {
	Server
	Listen() error
}

// LingeringServer is a Server which potentially has background activity
// even after Serve() has exited, like open connections still being
// drained.
type LingeringServer interface {
	Server
	// Shutdown waits for remaining activity to stop until the context is
	// canceled, at which point it exits with an error.
	Shutdown(context.Context) error
	// Close forces all activity to stop.
	Close() error
}

// descriptor - a Server implementing the descriptor interface will have
// that description used in logging.
type descriptor interface {
	Description() string
}

var errNoServers = errors.New("no servers")

// serverEnsemble treats a set of servers as one.
type serverEnsemble struct {
	servers []Server
	readycb func() error
}

func (se serverEnsemble) Listen() (err error) {
	if len(se.servers) == 0 {
		return errNoServers
	}
	for _, s := range se.servers {
		if ls, ok := s.(ListeningServer); ok {
			if err = ls.Listen(); err != nil {
				return
			}
		}
	}
	return
}

// Serve starts all servers, invokes the ready callback and blocks until
// every Serve() has exited.
func (se serverEnsemble) Serve(ctx context.Context) (err error) {
	var wg sync.WaitGroup
	var errmu sync.Mutex

	for _, s := range se.servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			Log(LvlINFO, fmt.Sprintf("Serve (%s)", describe(s)))
			if e := s.Serve(ctx); e != nil {
				Log(LvlERROR, fmt.Sprintf("Serve (%s) error: %s", describe(s), e.Error()))
				errmu.Lock()
				if err == nil {
					err = e
				}
				errmu.Unlock()
			} else {
				Log(LvlINFO, fmt.Sprintf("Serve exited (%s)", describe(s)))
			}
		}()
	}

	if se.readycb != nil {
		if nerr := se.readycb(); nerr != nil {
			Log(LvlERROR, fmt.Sprintf("Ready callback error: %s", nerr.Error()))
		}
	}

	wg.Wait()
	return
}

// Shutdown waits, in reverse start order, for lingering servers to be
// completely done.
func (se serverEnsemble) Shutdown(ctx context.Context) (err error) {
	for i := range se.servers {
		s := se.servers[len(se.servers)-i-1]
		if ls, ok := s.(LingeringServer); ok {
			if e := ls.Shutdown(ctx); e != nil {
				Log(LvlERROR, fmt.Sprintf("Shutdown (%s) error: %s", describe(s), e.Error()))
				if err == nil {
					err = e
				}
			}
		}
	}
	return
}

func (se serverEnsemble) Close() (err error) {
	for i := range se.servers {
		s := se.servers[len(se.servers)-i-1]
		if ls, ok := s.(LingeringServer); ok {
			if e := ls.Close(); e != nil && err == nil {
				err = e
			}
		}
	}
	return
}

func describe(s Server) string {
	if ds, ok := s.(descriptor); ok {
		return ds.Description()
	}
	return ""
}

