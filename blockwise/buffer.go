package blockwise

import (
	"fmt"
	"io"

	"github.com/dsnet/golib/memfile"
)

// Buffer is a growable reassembly buffer for blockwise payloads, backed
// by an in-memory file rather than repeated append-driven reallocation.
// A multi-megabyte Observe notification reassembled one 1024-byte block
// at a time would otherwise copy the whole prefix on every append;
// memfile.File gives us Seek+Write semantics for O(1) appends instead.
type Buffer struct {
	f   *memfile.File
	len int
}

// NewBuffer returns an empty reassembly buffer.
func NewBuffer() *Buffer {
	return &Buffer{f: memfile.New(nil)}
}

// CapExceededError reports an Append that would push the buffer past
// its configured size cap; the error mapper turns it into 4.13 Request
// Entity Too Large with Size1 set to Cap.
type CapExceededError struct {
	Cap int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("blockwise: reassembly buffer would exceed configured cap of %d bytes", e.Cap)
}

// Append writes b at the current end of the buffer, enforcing maxLen as
// the configured size cap for the reassembly it backs.
func (buf *Buffer) Append(b []byte, maxLen int) error {
	if buf.len+len(b) > maxLen {
		return &CapExceededError{Cap: maxLen}
	}
	if _, err := buf.f.Seek(int64(buf.len), 0); err != nil {
		return fmt.Errorf("blockwise: seek: %w", err)
	}
	n, err := buf.f.Write(b)
	if err != nil {
		return fmt.Errorf("blockwise: write: %w", err)
	}
	buf.len += n
	return nil
}

// Len returns the number of bytes accumulated so far.
func (buf *Buffer) Len() int { return buf.len }

// Bytes returns the accumulated payload. It reads the full buffer from
// the backing memfile every call; callers needing repeated reads in a
// hot loop should cache the result themselves.
func (buf *Buffer) Bytes() ([]byte, error) {
	out := make([]byte, buf.len)
	if _, err := buf.f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("blockwise: seek: %w", err)
	}
	if _, err := io.ReadFull(buf.f, out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("blockwise: read: %w", err)
	}
	return out, nil
}
