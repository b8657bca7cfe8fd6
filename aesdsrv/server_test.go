package aesdsrv

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer binds a server on an ephemeral port and serves it until the
// test ends.
func startServer(t *testing.T, bufsize int) *Server {
	t.Helper()

	srv := &Server{
		Addr:     "127.0.0.1:0",
		DataPath: filepath.Join(t.TempDir(), "data"),
		BufSize:  bufsize,
		Logger: func(level int, message string) {
			t.Logf("[%d] %s", level, message)
		},
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, data string) {
	t.Helper()
	_, err := conn.Write([]byte(data))
	require.NoError(t, err)
}

// readExactly reads exactly n bytes. The reply carries no framing, so the
// expected length is the only way to know when it is complete.
func readExactly(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestEchoAppendSingleClient(t *testing.T) {
	srv := startServer(t, 0)
	conn := dial(t, srv)

	send(t, conn, "hello\n")
	assert.Equal(t, "hello\n", readExactly(t, conn, 6))

	send(t, conn, "world\n")
	assert.Equal(t, "hello\nworld\n", readExactly(t, conn, 12))
}

func TestAccumulationAcrossConnections(t *testing.T) {
	srv := startServer(t, 0)

	a := dial(t, srv)
	send(t, a, "foo\n")
	assert.Equal(t, "foo\n", readExactly(t, a, 4))
	a.Close()

	b := dial(t, srv)
	send(t, b, "bar\n")
	assert.Equal(t, "foo\nbar\n", readExactly(t, b, 8))
}

func TestMultipleLinesInOneSegment(t *testing.T) {
	srv := startServer(t, 0)
	conn := dial(t, srv)

	// Two lines may arrive in a single receive; each line triggers its
	// own send-back of the accumulated content.
	send(t, conn, "one\ntwo\n")
	assert.Equal(t, "one\n"+"one\ntwo\n", readExactly(t, conn, 12))
}

func TestUnterminatedTrailingDataIsCommitted(t *testing.T) {
	srv := startServer(t, 0)
	conn := dial(t, srv)

	send(t, conn, "abc")
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	// No newline ever arrived, but disconnecting still commits the
	// trailing bytes and yields one final send-back.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(reply))

	assert.Eventually(t, func() bool {
		content, err := os.ReadFile(srv.DataPath)
		return err == nil && string(content) == "abc"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBufferCapacityFlush(t *testing.T) {
	srv := startServer(t, 8)
	conn := dial(t, srv)

	// Exactly fills the receive buffer with no newline: flushed to the
	// data file without a reply.
	send(t, conn, "abcdefgh")

	// The next lone newline completes a line and the reply contains the
	// previously flushed bytes plus the newline.
	send(t, conn, "\n")
	assert.Equal(t, "abcdefgh\n", readExactly(t, conn, 9))
}

func TestBinaryPayloadIsOpaque(t *testing.T) {
	srv := startServer(t, 0)
	conn := dial(t, srv)

	payload := "a\x00b\xffc\n"
	send(t, conn, payload)
	assert.Equal(t, payload, readExactly(t, conn, len(payload)))
}

func TestShutdownClosesConnectionAndRemovesDataFile(t *testing.T) {
	srv := &Server{
		Addr:     "127.0.0.1:0",
		DataPath: filepath.Join(t.TempDir(), "data"),
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, "hello\n")
	assert.Equal(t, "hello\n", readExactly(t, conn, 6))

	// Shutdown arrives while the connection sits idle mid-session.
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not exit on cancellation")
	}
	require.NoError(t, srv.Shutdown(context.Background()))

	// The active connection was closed under us.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = os.Stat(srv.DataPath)
	assert.True(t, os.IsNotExist(err))
}

// lateAcceptListener hands out exactly one connection - but only after it
// has forced the shutdown path to run to completion first: Accept cancels
// the serve context and waits for the interrupt to close the listener
// before returning. The connection it returns is therefore one the
// interrupt could not have seen.
type lateAcceptListener struct {
	cancel    context.CancelFunc
	conn      net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	accepted  bool
}

func (l *lateAcceptListener) Accept() (net.Conn, error) {
	if l.accepted {
		<-l.closed
		return nil, net.ErrClosed
	}
	l.accepted = true
	l.cancel()
	<-l.closed
	return l.conn, nil
}

func (l *lateAcceptListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *lateAcceptListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
}

func TestShutdownDuringAcceptClosesConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := net.Pipe()
	defer client.Close()

	srv := &Server{
		DataPath: filepath.Join(t.TempDir(), "data"),
		listener: &lateAcceptListener{
			cancel: cancel,
			conn:   server,
			closed: make(chan struct{}),
		},
		done: make(chan struct{}),
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	// The client never sends anything, so Serve only exits if the accept
	// loop closes the connection itself instead of sitting in a read.
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not exit after shutdown was requested during accept")
	}
}

func TestStaleDataFileIsRemovedOnStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("left over\n"), 0644))

	srv := &Server{
		Addr:     "127.0.0.1:0",
		DataPath: path,
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := net.Dial("tcp", srv.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	// The reply reflects only post-restart input.
	send(t, conn, "fresh\n")
	assert.Equal(t, "fresh\n", readExactly(t, conn, 6))
}

func TestServeWithoutListen(t *testing.T) {
	srv := &Server{}
	require.ErrorIs(t, srv.Serve(context.Background()), ErrNotListening)
}
