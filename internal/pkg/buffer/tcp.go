package buffer

import "io"

// CopyT pipes bytes from src to dst using a pooled, size-capped buffer.
// io.CopyBuffer already honors backpressure: it blocks on Write before
// issuing the next Read, so a slow destination pauses the source side
// without any buffering beyond this one transient buffer.
func CopyT(dst io.Writer, src io.Reader) error {
	bufp := TPool.Get()
	defer TPool.Put(bufp)
	buf := *bufp

	_, err := io.CopyBuffer(dst, src, buf)
	return err
}
