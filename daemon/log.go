package daemon

import (
	"sync"
)

// Syslog priority levels used for internal event logging.
const (
	LvlEMERG int = iota // Not to be used by applications.
	LvlALERT
	LvlCRIT
	LvlERROR
	LvlWARN
	LvlNOTICE
	LvlINFO
	LvlDEBUG
)

// A LoggerFunc makes the package log its internal events to a custom log
// library. The package itself carries no logging dependency.
type LoggerFunc func(level int, message string)

var (
	logmu  sync.RWMutex
	logger LoggerFunc
)

// SetLogger sets the log function used for internal daemon events.
func SetLogger(f LoggerFunc) {
	logmu.Lock()
	logger = f
	logmu.Unlock()
}

// Log logs an internal event if a LoggerFunc is set with SetLogger().
// It is go-routine safe if the provided log function is.
func Log(level int, msg string) {
	logmu.RLock()
	if logger != nil {
		logger(level, msg)
	}
	logmu.RUnlock()
}
