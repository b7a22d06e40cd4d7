package sink

import (
	"bytes"
	"io"
	"sync"

	"github.com/yarkm13/ftpspoll/internal/remote"
)

// Memory keeps committed files in memory, in commit order.
type Memory struct {
	mu      sync.Mutex
	pending map[string]*bytes.Buffer
	files   map[string][]byte
	order   []string
	aborted []string
}

func NewMemory() *Memory {
	return &Memory{pending: map[string]*bytes.Buffer{}, files: map[string][]byte{}}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (m *Memory) Begin(e remote.Entry) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := &bytes.Buffer{}
	m.pending[e.Path] = buf
	return nopCloser{buf}, nil
}

func (m *Memory) Commit(e remote.Entry, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[e.Path] = m.pending[e.Path].Bytes()
	delete(m.pending, e.Path)
	m.order = append(m.order, e.Path)
	return nil
}

func (m *Memory) Abort(e remote.Entry, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, e.Path)
	m.aborted = append(m.aborted, e.Path)
}

// Content returns the committed content of remotePath.
func (m *Memory) Content(remotePath string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[remotePath]
	return string(b), ok
}

// Order lists committed paths in commit order.
func (m *Memory) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Aborted lists paths whose transfer was abandoned.
func (m *Memory) Aborted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.aborted...)
}
