// Package sink holds the local destinations retrieved files are written to.
package sink

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yarkm13/ftpspoll/internal/remote"
)

// Dir writes each file below Root, keeping its path relative to BasePath.
// Content goes to a ".part" file first and is renamed into place on commit.
type Dir struct {
	Root     string
	BasePath string
	// FileMode of created files, 0644 when zero.
	FileMode os.FileMode

	mu      sync.Mutex
	pending map[string]string
}

func NewDir(root, basePath string) *Dir {
	return &Dir{Root: root, BasePath: basePath, pending: make(map[string]string)}
}

// LocalPath maps a remote path to its destination under Root. Paths that
// would escape Root are rejected.
func (d *Dir) LocalPath(remotePath string) (string, error) {
	clean, base := path.Clean(remotePath), path.Clean(d.BasePath)
	relativePath := strings.TrimPrefix(clean, "/")
	if base != "/" && strings.HasPrefix(clean, base+"/") {
		relativePath = clean[len(base)+1:]
	}
	if relativePath == "" {
		relativePath = path.Base(clean)
	}

	root, err := filepath.Abs(d.Root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	localPath := filepath.Join(root, filepath.FromSlash(relativePath))
	if localPath != root && !strings.HasPrefix(localPath, root+string(filepath.Separator)) {
		return "", fmt.Errorf("remote path %q escapes %s", remotePath, root)
	}
	return localPath, nil
}

func (d *Dir) Begin(e remote.Entry) (io.WriteCloser, error) {
	localPath, err := d.LocalPath(e.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	mode := d.FileMode
	if mode == 0 {
		mode = 0o644
	}
	part := localPath + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination file: %w", err)
	}

	d.mu.Lock()
	if d.pending == nil {
		d.pending = make(map[string]string)
	}
	d.pending[e.Path] = part
	d.mu.Unlock()
	return f, nil
}

func (d *Dir) take(remotePath string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	part := d.pending[remotePath]
	delete(d.pending, remotePath)
	return part
}

func (d *Dir) Commit(e remote.Entry, _ int64) error {
	part := d.take(e.Path)
	if part == "" {
		return fmt.Errorf("no pending transfer for %s", e.Path)
	}
	final := strings.TrimSuffix(part, ".part")
	if err := os.Rename(part, final); err != nil {
		return err
	}
	if !e.ModTime.IsZero() {
		atime := e.AccessTime
		if atime.IsZero() {
			atime = e.ModTime
		}
		_ = os.Chtimes(final, atime, e.ModTime)
	}
	return nil
}

func (d *Dir) Abort(e remote.Entry, _ error) {
	if part := d.take(e.Path); part != "" {
		_ = os.Remove(part)
	}
}
