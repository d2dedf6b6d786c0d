package testhelper

import (
	"io"
	"os"

	"github.com/extfs/go-extfs/backend"
)

// MemoryStorage is a backend.Storage over an in-memory byte slice, so
// filesystem tests can format, mutate and re-read an image without
// touching disk.
type MemoryStorage struct {
	data []byte
	pos  int64
}

// NewMemoryStorage create an in-memory storage of the given size
func NewMemoryStorage(size int64) *MemoryStorage {
	return &MemoryStorage{data: make([]byte, size)}
}

// Bytes the raw underlying image
func (m *MemoryStorage) Bytes() []byte {
	return m.data
}

func (m *MemoryStorage) Stat() (os.FileInfo, error) {
	return nil, nil
}

func (m *MemoryStorage) Read(b []byte) (int, error) {
	n, err := m.ReadAt(b, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *MemoryStorage) ReadAt(b []byte, offset int64) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[offset:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryStorage) WriteAt(b []byte, offset int64) (int, error) {
	if offset+int64(len(b)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[offset:], b), nil
}

func (m *MemoryStorage) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) Sys() (*os.File, error) {
	return nil, backend.ErrNotSuitable
}

func (m *MemoryStorage) Writable() (backend.WritableFile, error) {
	return m, nil
}

func (m *MemoryStorage) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *MemoryStorage) Sync() error {
	return nil
}

// backend.Storage interface guard
var _ backend.Storage = (*MemoryStorage)(nil)
