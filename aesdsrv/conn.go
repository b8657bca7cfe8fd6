package aesdsrv

import (
	"bytes"
	"io"
	"net"

	"github.com/One-com/aesdsocketd/store"
)

// handle drains one accepted connection to completion.
//
// Bytes are received into a fixed-capacity buffer right after any
// previously buffered partial line. Every complete line is appended to
// the data file and answered with the full accumulated file content. If
// the buffer fills up without containing a newline the whole buffer is
// flushed to the data file without a reply, bounding memory use for
// abnormally long lines at the cost of splitting them in storage. At
// end-of-stream any unterminated trailing data is still committed and
// answered with one final send-back.
//
// Errors abort only this connection; the accept loop keeps going.
func (s *Server) handle(conn net.Conn) {
	peer := peerIP(conn)
	s.logf(LvlINFO, "Accepted connection from %s", peer)
	s.Metrics.connAccepted()

	st, err := store.Open(s.dataPath())
	if err != nil {
		s.logf(LvlERROR, "Could not open data file: %s", err)
		conn.Close()
		return
	}
	defer func() {
		if err := st.Sync(); err != nil {
			s.logf(LvlERROR, "Sync of data file failed: %s", err)
		}
		st.Close()
		conn.Close()
		s.logf(LvlINFO, "Closed connection from %s", peer)
		s.Metrics.connClosed()
	}()

	buf := make([]byte, s.bufSize())
	var fill int

	for {
		n, rerr := conn.Read(buf[fill:])
		if n > 0 {
			fill += n
			s.Metrics.addBytesIn(n)

			for {
				nl := bytes.IndexByte(buf[:fill], '\n')
				if nl < 0 {
					break
				}
				if err := st.Append(buf[:nl+1]); err != nil {
					s.logf(LvlERROR, "Append to data file failed: %s", err)
					return
				}
				s.Metrics.lineAppended()
				if !s.sendBack(st, conn) {
					return
				}
				// Discard the consumed line, shift the rest to the front.
				fill = copy(buf, buf[nl+1:fill])
			}

			if fill == len(buf) {
				// Buffer full without a newline: flush as-is, no reply.
				if err := st.Append(buf); err != nil {
					s.logf(LvlERROR, "Append to data file failed: %s", err)
					return
				}
				if err := st.Sync(); err != nil {
					s.logf(LvlERROR, "Sync of data file failed: %s", err)
				}
				fill = 0
			}
		}
		if rerr != nil {
			if rerr != io.EOF && !s.shutdown.Load() {
				s.logf(LvlERROR, "Receive from %s failed: %s", peer, rerr)
			}
			break
		}
	}

	// Peer is gone. Commit any unterminated trailing data and reply one
	// last time.
	if fill > 0 {
		if err := st.Append(buf[:fill]); err != nil {
			s.logf(LvlERROR, "Append to data file failed: %s", err)
			return
		}
		s.sendBack(st, conn)
	}
}

// sendBack streams the full current data file content to the client.
// Reports whether connection processing may continue.
func (s *Server) sendBack(st *store.Store, conn net.Conn) bool {
	sent, err := st.SnapshotTo(conn)
	s.Metrics.addBytesOut(sent)
	if err != nil {
		if !s.shutdown.Load() {
			s.logf(LvlERROR, "Send-back failed: %s", err)
		}
		return false
	}
	return true
}

func peerIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if taddr, ok := addr.(*net.TCPAddr); ok {
		return taddr.IP.String()
	}
	return addr.String()
}
