// Package aesdsrv implements the line-oriented echo-append TCP server.
//
// The server accepts connections strictly one at a time. Each
// newline-terminated message received is appended to an on-disk data
// file, and after each appended line the entire accumulated file content
// is streamed back to the same client. The data file exists only while
// the server runs.
package aesdsrv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/One-com/gone/sd"
	"golang.org/x/sys/unix"

	"github.com/One-com/aesdsocketd/store"
)

// Defaults reproducing the original service parameters.
const (
	DefaultAddr     = ":9000"
	DefaultDataPath = "/var/tmp/aesdsocketdata"
	DefaultBufSize  = 4096
)

// Syslog priority levels for the Logger hook.
const (
	LvlEMERG int = iota
	LvlALERT
	LvlCRIT
	LvlERROR
	LvlWARN
	LvlNOTICE
	LvlINFO
	LvlDEBUG
)

// LoggerFunc can be set on a Server to log connection events and error
// conditions to a custom log library.
type LoggerFunc func(level int, message string)

// ErrNotListening is returned from Serve() when Listen() was not
// successfully called first.
var ErrNotListening = errors.New("aesdsrv: no listener")

// Server is a single-connection-at-a-time TCP echo-append server
// implementing the daemon Listen/Serve/Shutdown/Close lifecycle.
type Server struct {
	// Addr is the TCP address to listen on. Empty means DefaultAddr.
	Addr string

	// DataPath is the path of the append-only data file.
	// Empty means DefaultDataPath.
	DataPath string

	// BufSize is the receive buffer capacity per connection. A buffer
	// filling up without a newline is flushed to the data file as-is.
	// Zero or negative means DefaultBufSize.
	BufSize int

	// ListenerFdName can be set to pick a named inherited file
	// descriptor via LISTEN_FDNAMES. It is updated to the name of the
	// chosen file descriptor - if any.
	ListenerFdName string

	// Logger receives connection events and error conditions.
	Logger LoggerFunc

	// Metrics, if set, is updated with connection and byte counts.
	Metrics *Metrics

	listener net.Listener

	mu   sync.Mutex
	conn net.Conn // active connection; nil outside a session

	shutdown atomic.Bool
	done     chan struct{}
}

// Description implements the daemon descriptor interface.
func (s *Server) Description() string {
	return fmt.Sprintf("aesdsocket %s socket(%s)", s.addr(), s.ListenerFdName)
}

func (s *Server) addr() string {
	if s.Addr == "" {
		return DefaultAddr
	}
	return s.Addr
}

func (s *Server) dataPath() string {
	if s.DataPath == "" {
		return DefaultDataPath
	}
	return s.DataPath
}

func (s *Server) bufSize() int {
	if s.BufSize <= 0 {
		return DefaultBufSize
	}
	return s.BufSize
}

func (s *Server) logf(level int, format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger(level, fmt.Sprintf(format, args...))
	}
}

// Listen picks an already bound inherited listener fd or binds a fresh
// TCP listener with address reuse enabled. Implements the daemon
// ListeningServer interface.
func (s *Server) Listen() (err error) {
	addr, err := net.ResolveTCPAddr("tcp", s.addr())
	if err != nil {
		return
	}

	ln, name, err := sd.InheritNamedListener(s.ListenerFdName, sd.IsTCPListener(addr))
	if err != nil {
		return
	}

	if ln == nil {
		// Nothing inherited; bind a fresh listener and export it under
		// the requested label so it can be handed over later.
		name = s.ListenerFdName
		lc := net.ListenConfig{Control: reuseAddr}
		ln, err = lc.Listen(context.Background(), "tcp", s.addr())
		if err != nil {
			return
		}
		if err = sd.Export(name, ln); err != nil {
			ln.Close()
			return
		}
	}

	s.ListenerFdName = name
	s.listener = ln
	s.done = make(chan struct{})
	return
}

// reuseAddr sets SO_REUSEADDR before bind so a restart does not trip over
// sockets lingering in TIME_WAIT.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var soerr error
	err := c.Control(func(fd uintptr) {
		soerr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return soerr
}

// LocalAddr returns the bound listener address. Valid after Listen().
func (s *Server) LocalAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenerFile returns a dup of the bound listener's file descriptor,
// for handing the socket over to a detached child process.
func (s *Server) ListenerFile() (*os.File, error) {
	if s.listener == nil {
		return nil, ErrNotListening
	}
	if f, ok := s.listener.(interface{ File() (*os.File, error) }); ok {
		return f.File()
	}
	return nil, errors.New("aesdsrv: listener cannot export a file")
}

// Serve runs the accept loop until the context is canceled, handling one
// connection fully before accepting the next. A stale data file from a
// previous run is removed before accepting starts and the data file is
// removed again on the way out; its content never survives the server.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return ErrNotListening
	}

	if err := store.Remove(s.dataPath()); err != nil {
		s.logf(LvlWARN, "Could not remove stale data file: %s", err)
	}

	// The cancellation path only flags and unblocks; teardown happens
	// below once the accept loop has exited.
	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown.Store(true)
			s.interrupt()
		case <-watcherDone:
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				// Expected interruption, not an error.
				break
			}
			s.logf(LvlERROR, "Accept failed: %s", err)
			continue
		}
		s.setConn(conn)
		if s.shutdown.Load() {
			// The interrupt may have run between Accept returning and
			// the connection being registered, missing it. Re-checking
			// the flag after registration closes that window.
			conn.Close()
			s.setConn(nil)
			break
		}
		s.handle(conn)
		s.setConn(nil)
	}
	close(watcherDone)

	// Shutdown sequence: active connection is already closed by the
	// handler, remove the data file, release the listener.
	if err := store.Remove(s.dataPath()); err != nil {
		s.logf(LvlWARN, "Could not remove data file: %s", err)
	}
	s.listener.Close()
	close(s.done)
	return nil
}

// Shutdown implements the daemon LingeringServer interface. The accept
// loop owns all activity, so shutdown is complete when Serve() has fully
// exited.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close forces the listener and any active connection closed.
func (s *Server) Close() error {
	s.shutdown.Store(true)
	s.interrupt()
	return nil
}

// interrupt closes the listening socket and any active connection,
// unblocking a pending Accept or Read so the loops can observe the
// shutdown flag.
func (s *Server) interrupt() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// setConn tracks the single active connection. At most one connection is
// live at a time.
func (s *Server) setConn(c net.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}
