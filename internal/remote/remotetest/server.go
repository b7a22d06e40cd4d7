// Package remotetest provides an in-memory remote filesystem that implements
// remote.Opener and remote.Session for tests.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yarkm13/ftpspoll/internal/remote"
)

type node struct {
	dir      bool
	data     []byte
	size     int64 // reported size; differs from len(data) to simulate truncation
	modTime  time.Time
	link     string
	owner    string
	group    string
	mode     os.FileMode
	cutAfter int // stream fails after this many bytes when > 0
}

// Server is a fake remote filesystem. Its zero value is not usable, call New.
type Server struct {
	mu    sync.Mutex
	nodes map[string]*node

	// Password expected from clients; empty accepts anything.
	Password string
	// OpenErr is returned by Open when set.
	OpenErr error

	listErr   map[string]error
	deleteErr map[string]error

	Lists     []string
	Retrieves []string
	Deletes   []string
	Opens     int
	Closes    int
}

func New() *Server {
	s := &Server{
		nodes:     map[string]*node{"/": {dir: true}},
		listErr:   map[string]error{},
		deleteErr: map[string]error{},
	}
	return s
}

func (s *Server) mkdirAll(p string) {
	for p != "/" && p != "." {
		if _, ok := s.nodes[p]; !ok {
			s.nodes[p] = &node{dir: true}
		}
		p = path.Dir(p)
	}
}

// AddFile creates or replaces a regular file and its parent directories.
func (s *Server) AddFile(p, content string, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(path.Dir(p))
	s.nodes[p] = &node{data: []byte(content), size: int64(len(content)), modTime: modTime, owner: "1000", group: "1000", mode: 0o640}
}

func (s *Server) AddDir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(p)
}

// AddSymlink creates a link at p pointing at target (absolute or relative to p's directory).
func (s *Server) AddSymlink(p, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(path.Dir(p))
	s.nodes[p] = &node{link: target, mode: 0o777}
}

// Touch sets a new modification time on p.
func (s *Server) Touch(p string, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[p]; ok {
		n.modTime = modTime
	}
}

// MisreportSize makes listings report size for p regardless of its content.
func (s *Server) MisreportSize(p string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[p]; ok {
		n.size = size
	}
}

// BreakStreamAfter makes reads of p fail with a timeout after n bytes.
func (s *Server) BreakStreamAfter(p string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nd, ok := s.nodes[p]; ok {
		nd.cutAfter = n
	}
}

func (s *Server) FailList(dir string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr[dir] = err
}

func (s *Server) FailDelete(p string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErr[p] = err
}

// Exists reports whether p is still present.
func (s *Server) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[p]
	return ok
}

func (s *Server) Open(ctx context.Context, cfg remote.ConnConfig) (remote.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Opens++
	if err := ctx.Err(); err != nil {
		return nil, remote.Classify("connect", cfg.Host, err)
	}
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.Password != "" && cfg.Credentials.Password() != s.Password {
		return nil, &remote.Error{Kind: remote.KindFatal, Reason: remote.ReasonAuth, Op: "login", Path: cfg.Host,
			Err: errors.New("530 Login incorrect")}
	}
	return &Session{srv: s, usable: true}, nil
}

// Session is a connection to a Server.
type Session struct {
	srv    *Server
	usable bool
	closed bool
}

// resolve follows symlinks component by component and returns the real path.
func (c *Session) resolve(p string) (string, *node, error) {
	return c.resolveDepth(p, 0)
}

func (c *Session) resolveDepth(p string, depth int) (string, *node, error) {
	if depth > 32 {
		return p, nil, fmt.Errorf("too many levels of symbolic links: %s", p)
	}
	cur := "/"
	for _, comp := range strings.Split(path.Clean(p), "/") {
		if comp == "" {
			continue
		}
		cur = path.Join(cur, comp)
		n, ok := c.srv.nodes[cur]
		if !ok {
			return cur, nil, notFound(p)
		}
		if n.link != "" {
			target := n.link
			if !path.IsAbs(target) {
				target = path.Join(path.Dir(cur), target)
			}
			real, _, err := c.resolveDepth(target, depth+1)
			if err != nil {
				return real, nil, err
			}
			cur = real
		}
	}
	return cur, c.srv.nodes[cur], nil
}

func notFound(p string) error {
	return &remote.Error{Kind: remote.KindRetryable, Reason: remote.ReasonNotFound, Path: p, Err: os.ErrNotExist}
}

func (c *Session) check(ctx context.Context, op, p string) error {
	if c.closed {
		return &remote.Error{Kind: remote.KindRetryable, Reason: remote.ReasonNetwork, Op: op, Path: p, Err: errors.New("use of closed session")}
	}
	if err := ctx.Err(); err != nil {
		return remote.Classify(op, p, err)
	}
	return nil
}

func (c *Session) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(ctx, "list", dir); err != nil {
		return nil, err
	}
	c.srv.Lists = append(c.srv.Lists, dir)
	if err := c.srv.listErr[dir]; err != nil {
		if remote.IsTimeout(err) {
			c.usable = false
		}
		return nil, remote.Classify("list", dir, err)
	}
	real, n, err := c.resolve(dir)
	if err != nil {
		return nil, remote.Classify("list", dir, err)
	}
	if !n.dir {
		return nil, remote.Classify("list", dir, notFound(dir))
	}
	// Children are looked up under the resolved path but reported under dir.
	prefix := strings.TrimSuffix(real, "/") + "/"

	var names []string
	for p := range c.srv.nodes {
		if p != real && strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			names = append(names, p[len(prefix):])
		}
	}
	sort.Strings(names)

	out := make([]remote.Entry, 0, len(names))
	for _, name := range names {
		cn := c.srv.nodes[prefix+name]
		out = append(out, remote.Entry{
			Path:       path.Join(dir, name),
			Name:       name,
			Dir:        dir,
			Size:       cn.size,
			HasSize:    !cn.dir && cn.link == "",
			ModTime:    cn.modTime,
			Owner:      cn.owner,
			Group:      cn.group,
			Mode:       cn.mode,
			IsDir:      cn.dir,
			IsSymlink:  cn.link != "",
			LinkTarget: cn.link,
		})
	}
	return out, nil
}

func (c *Session) Probe(ctx context.Context, p string) (bool, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(ctx, "probe", p); err != nil {
		return false, err
	}
	_, n, err := c.resolve(p)
	if err != nil {
		return false, nil
	}
	return n.dir, nil
}

func (c *Session) Retrieve(ctx context.Context, p string) (io.ReadCloser, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(ctx, "retrieve", p); err != nil {
		return nil, err
	}
	c.srv.Retrieves = append(c.srv.Retrieves, p)
	_, n, err := c.resolve(p)
	if err != nil {
		return nil, remote.Classify("retrieve", p, err)
	}
	if n.dir {
		return nil, remote.Classify("retrieve", p, notFound(p))
	}
	data := append([]byte(nil), n.data...)
	return &reader{Reader: bytes.NewReader(data), session: c, path: p, cutAfter: n.cutAfter}, nil
}

func (c *Session) Delete(ctx context.Context, p string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if err := c.check(ctx, "delete", p); err != nil {
		return err
	}
	c.srv.Deletes = append(c.srv.Deletes, p)
	if err := c.srv.deleteErr[p]; err != nil {
		return remote.Classify("delete", p, err)
	}
	if _, ok := c.srv.nodes[p]; !ok {
		return remote.Classify("delete", p, notFound(p))
	}
	delete(c.srv.nodes, p)
	return nil
}

func (c *Session) Usable() bool { return c.usable && !c.closed }

func (c *Session) Close() error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.closed = true
	c.srv.Closes++
	return nil
}

type reader struct {
	*bytes.Reader
	session  *Session
	path     string
	cutAfter int
	read     int
}

func (r *reader) Read(p []byte) (int, error) {
	if r.cutAfter > 0 && r.read >= r.cutAfter {
		r.session.usable = false
		return 0, &remote.Error{Kind: remote.KindRetryable, Reason: remote.ReasonTimeout, Op: "read", Path: r.path,
			Err: errors.New("i/o timeout")}
	}
	if r.cutAfter > 0 && len(p) > r.cutAfter-r.read {
		p = p[:r.cutAfter-r.read]
	}
	n, err := r.Reader.Read(p)
	r.read += n
	return n, err
}

func (r *reader) Close() error { return nil }
