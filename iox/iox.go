// Package iox holds small I/O helpers shared by the sink, adapters and CLI.
package iox

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrTooLarge is returned when a read exceeds its limit.
var ErrTooLarge = errors.New("input exceeds size limit")

// DiscardClose closes c and ignores the error. For deferred closes of
// response bodies and read handles where nothing useful can be done:
//
//	defer iox.DiscardClose(resp.Body)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc adapts c for t.Cleanup.
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and ignores its error, e.g. defer iox.DiscardErr(logger.Sync).
func DiscardErr(fn func() error) { _ = fn() }

// ReadAllLimit reads r to EOF, failing with ErrTooLarge once more than
// limit bytes arrive. A limit <= 0 reads without bound.
func ReadAllLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	return data, nil
}

// ReadFileLimit reads the named file with ReadAllLimit.
func ReadFileLimit(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer DiscardClose(f)
	return ReadAllLimit(f, limit)
}
