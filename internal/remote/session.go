package remote

import (
	"context"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one item of a remote directory listing. Entries are produced
// fresh by every List call and are not cached.
type Entry struct {
	Path       string // absolute path on the server
	Name       string
	Dir        string
	Size       int64
	HasSize    bool
	ModTime    time.Time
	AccessTime time.Time // zero when the server does not report it
	Owner      string    // numeric owner id, empty when unknown
	Group      string    // numeric group id, empty when unknown
	Mode       os.FileMode
	IsDir      bool
	IsSymlink  bool
	LinkTarget string
}

// Permissions renders the permission bits the way ls does (rwxr-x---).
func (e Entry) Permissions() string {
	s := e.Mode.Perm().String()
	return s[1:]
}

// Session is one authenticated connection to a remote server.
// Implementations are not safe for concurrent use.
type Session interface {
	// List returns the entries directly under dir, without "." and "..".
	List(ctx context.Context, dir string) ([]Entry, error)
	// Probe reports whether path can be entered as a directory.
	Probe(ctx context.Context, path string) (bool, error)
	// Retrieve opens a data stream for path. The caller must Close it.
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	// Usable is false once an operation timed out or the connection broke.
	Usable() bool
	Close() error
}

// Opener establishes sessions for one transport.
type Opener interface {
	Open(ctx context.Context, cfg ConnConfig) (Session, error)
}

// OpenerFactory picks an Opener for a URL scheme.
type OpenerFactory interface {
	Accept(u *url.URL) bool
	Opener(log zerolog.Logger) Opener
	Name() string
}
