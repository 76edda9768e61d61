//go:build unix

package ringbuffer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapStorage backs the ring with a shared memory mapping so writes
// land in the page cache immediately and Msync is the only syscall
// needed to make them crash-durable.
type mmapStorage struct {
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
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuffer: mmap %s: %w", path, err)
	}
	return &mmapStorage{f: f, data: data}, nil
}

func (m *mmapStorage) Bytes() []byte { return m.data }

// Sync forces the mapped dirty pages to disk before returning, per
// MS_SYNC, so a caller that has just Inserted or Removed can rely on
// the change surviving a crash the instant Sync returns nil.
func (m *mmapStorage) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mmapStorage) Close() error {
	err := unix.Munmap(m.data)
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
