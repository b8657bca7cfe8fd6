// Package netutil provides small helpers for reliable socket I/O.
package netutil

import (
	"errors"
	"io"
	"time"
)

// ErrNoProgress is returned by WriteFull when the destination keeps
// accepting zero bytes without reporting an error.
var ErrNoProgress = errors.New("netutil: sink accepted no bytes")

const (
	// How many consecutive zero-byte writes WriteFull tolerates before
	// giving up on the destination.
	maxZeroWrites = 20

	initialBackoff = time.Millisecond
	maxBackoff     = 128 * time.Millisecond
)

// WriteFull writes all of p to w, resuming after short writes.
// Partial writes without an error are legal for some sinks, so WriteFull
// keeps going from the accepted offset. A write accepting zero bytes with
// no error is treated as transient and retried with exponential backoff,
// bounded by maxZeroWrites, after which ErrNoProgress is returned.
// It returns the number of bytes actually accepted by w.
func WriteFull(w io.Writer, p []byte) (int, error) {
	var off int
	var zeros int
	backoff := initialBackoff

	for off < len(p) {
		n, err := w.Write(p[off:])
		if n < 0 {
			n = 0
		}
		off += n
		if err != nil {
			return off, err
		}
		if off == len(p) {
			break
		}
		if n == 0 {
			zeros++
			if zeros >= maxZeroWrites {
				return off, ErrNoProgress
			}
			time.Sleep(backoff)
			if backoff < maxBackoff {
				backoff *= 2
			}
		} else {
			zeros = 0
			backoff = initialBackoff
		}
	}
	return off, nil
}
