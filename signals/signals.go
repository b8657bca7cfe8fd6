// Package signals dispatches OS signals to application supplied actions.
package signals

import (
	"os"
	"os/signal"
	"sync"
)

// Action is a function called when an OS signal is received.
type Action func()

// Mappings map OS signals to functions.
type Mappings map[os.Signal]Action

// Watch spawns a go-routine calling the mapped Action whenever one of the
// mapped signals is delivered. Actions for distinct signals are serialized
// by the dispatch loop. The returned stop function unregisters the
// handler and waits for the dispatch loop to exit; calling it more than
// once is harmless.
func Watch(m Mappings) (stop func()) {
	sigch := make(chan os.Signal, len(m)+1)
	for sig := range m {
		signal.Notify(sigch, sig)
	}

	stopch := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigch:
				if action := m[sig]; action != nil {
					action()
				}
			case <-stopch:
				signal.Stop(sigch)
				close(stopped)
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stopch) })
		<-stopped
	}
}

// Ignore masks the given signals for the whole process, so conditions
// like writing to a peer which closed its read side surface as ordinary
// error returns instead of terminating the process.
func Ignore(sigs ...os.Signal) {
	signal.Ignore(sigs...)
}
