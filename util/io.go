package util

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// DefaultBufSize is the standard buffer size for relaying bytes (32 KiB).
const DefaultBufSize = 32 * 1024

// Pump copies src to dst through a pooled fixed-size buffer.  Each read
// is followed by a complete write before the next read is issued, so a
// slow writer stalls the reader instead of accumulating data.  onChunk,
// if non-nil, is called with the size of every chunk that was written.
//
// Pump returns the number of bytes written and the first error other
// than io.EOF from src.
func Pump(dst io.Writer, src io.Reader, onChunk func(n int)) (int64, error) {
	buf := GetBuf()
	defer PutBuf(buf)

	var written int64
	for {
		nr, rerr := src.Read(*buf)
		if nr > 0 {
			nw, werr := dst.Write((*buf)[:nr])
			if nw > 0 {
				written += int64(nw)
				if onChunk != nil {
					onChunk(nw)
				}
			}
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// CloseWrite half-closes c if it supports it (TCP, unix sockets, SSH
// channels, process pipes).  It reports whether a half-close happened.
func CloseWrite(c interface{}) bool {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite() == nil
	}
	return false
}

// IsHarmless returns true for errors that are expected when a peer
// goes away or a socket is closed during shutdown.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
