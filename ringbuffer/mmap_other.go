//go:build !unix

package ringbuffer

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// fileStorage is the non-unix fallback: no mmap syscall is available,
// so the ring region is held as a plain byte slice and Sync copies it
// back to the file wholesale. Mirrors the transport layer's poller_other
// fallback for platforms without epoll/kqueue.
type fileStorage struct {
	f    *os.File
	data []byte
}

func openStorage(path string, size int64) (storage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuffer: truncate %s: %w", path, err)
	}
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("ringbuffer: read %s: %w", path, err)
	}
	return &fileStorage{f: f, data: data}, nil
}

func (s *fileStorage) Bytes() []byte { return s.data }

func (s *fileStorage) Sync() error {
	if _, err := s.f.WriteAt(s.data, 0); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *fileStorage) Close() error {
	if err := s.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
