// Package store implements the append-only data file the server
// accumulates received lines in.
//
// A Store holds a single O_APPEND writer for its lifetime. Read-back for
// the send-back reply is done with a fresh reader per snapshot, so the
// writer position is never disturbed.
package store

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/One-com/aesdsocketd/netutil"
)

// Snapshot streaming is done in bounded chunks of this size.
const chunkSize = 4096

// Store is an append-only file.
type Store struct {
	path string
	w    *os.File
}

// Open opens (or creates) the file at path for appending.
func Open(path string) (*Store, error) {
	w, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, w: w}, nil
}

// Path returns the path of the backing file.
func (s *Store) Path() string {
	return s.path
}

// Append writes p to the end of the file.
func (s *Store) Append(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

// Sync forces appended data to stable storage.
func (s *Store) Sync() error {
	return s.w.Sync()
}

// SnapshotTo streams the entire accumulated file content to w in bounded
// chunks, after forcing pending appends to stable storage. The write side
// is untouched, so appends continue correctly afterwards. It returns the
// number of bytes delivered to w.
func (s *Store) SnapshotTo(w io.Writer) (int64, error) {
	if err := s.w.Sync(); err != nil {
		return 0, err
	}
	r, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			wn, werr := netutil.WriteFull(w, buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// Close closes the append handle. The file itself stays around until
// Remove is called.
func (s *Store) Close() error {
	return s.w.Close()
}

// Remove deletes the backing file at path. A file already absent is not
// an error; the data file is recreated on demand anyway.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
