package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

type SFTPOpenerFactory struct{}

func (f *SFTPOpenerFactory) Accept(u *url.URL) bool { return u.Scheme == "sftp" }

func (f *SFTPOpenerFactory) Opener(log zerolog.Logger) Opener { return &SFTPOpener{Logger: log} }

func (f *SFTPOpenerFactory) Name() string { return "sftp" }

// SFTPOpener opens sessions over SSH. It can replace the FTPS opener without
// any change to the polling code.
type SFTPOpener struct {
	Logger zerolog.Logger
}

type SFTPSession struct {
	ssh      *ssh.Client
	client   *sftp.Client
	creds    *Credentials
	timeout  time.Duration
	timedOut atomic.Bool
	broken   bool
}

// hostKeyCallback pins the server key to the configured SHA256 fingerprint.
func hostKeyCallback(cfg ConnConfig) (ssh.HostKeyCallback, error) {
	if cfg.HostKeyFingerprint == "" {
		if cfg.AllowSelfSigned {
			return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // operator opt-in
		}
		return nil, &Error{Kind: KindFatal, Reason: ReasonConfig, Op: "open",
			Err: errors.New("host key fingerprint is required unless self-signed servers are allowed")}
	}
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if fingerprint != cfg.HostKeyFingerprint {
			return fmt.Errorf("host key for %s is %s, expected %s", hostname, fingerprint, cfg.HostKeyFingerprint)
		}
		return nil
	}, nil
}

func (o *SFTPOpener) Open(ctx context.Context, cfg ConnConfig) (Session, error) {
	cfg = cfg.WithDefaults()
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	callback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	creds := cfg.Credentials.Clone()
	config := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password())},
		HostKeyCallback: callback,
		Timeout:         cfg.ConnectTimeout,
	}

	o.Logger.Debug().Str("addr", cfg.Address()).Msg("connecting")
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		creds.Clear()
		return nil, Classify("connect", cfg.Address(), err)
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address(), config)
	if err != nil {
		_ = conn.Close()
		creds.Clear()
		return nil, classifySSH(cfg.Address(), err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		creds.Clear()
		return nil, Classify("sftp", cfg.Address(), err)
	}

	return &SFTPSession{
		ssh:     client,
		client:  sc,
		creds:   creds,
		timeout: cfg.DataTimeout,
	}, nil
}

// classifySSH maps handshake failures; x/crypto/ssh reports them as plain errors.
func classifySSH(addr string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return &Error{Kind: KindFatal, Reason: ReasonAuth, Op: "login", Path: addr, Err: err}
	case strings.Contains(msg, "host key"):
		return &Error{Kind: KindFatal, Reason: ReasonTLS, Op: "handshake", Path: addr, Err: err}
	}
	return Classify("connect", addr, err)
}

// guard runs fn and tears the connection down if it exceeds the data timeout.
func (s *SFTPSession) guard(op, p string, fn func() error) error {
	t := time.AfterFunc(s.timeout, func() {
		s.timedOut.Store(true)
		_ = s.ssh.Close()
	})
	err := fn()
	t.Stop()
	if s.timedOut.Load() {
		s.broken = true
		return &Error{Kind: KindRetryable, Reason: ReasonTimeout, Op: op, Path: p,
			Err: fmt.Errorf("no response within %s", s.timeout)}
	}
	if err != nil {
		err = Classify(op, p, err)
		if ReasonOf(err) == ReasonNetwork {
			s.broken = true
		}
	}
	return err
}

func (s *SFTPSession) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify("list", dir, err)
	}
	var infos []os.FileInfo
	err := s.guard("list", dir, func() (err error) {
		infos, err = s.client.ReadDir(dir)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		e := Entry{
			Path:      path.Join(dir, fi.Name()),
			Name:      fi.Name(),
			Dir:       dir,
			Size:      fi.Size(),
			HasSize:   fi.Mode().IsRegular(),
			ModTime:   fi.ModTime(),
			Mode:      fi.Mode().Perm(),
			IsDir:     fi.IsDir(),
			IsSymlink: fi.Mode()&os.ModeSymlink != 0,
		}
		if st, ok := fi.Sys().(*sftp.FileStat); ok {
			e.Owner = strconv.FormatUint(uint64(st.UID), 10)
			e.Group = strconv.FormatUint(uint64(st.GID), 10)
			e.AccessTime = time.Unix(int64(st.Atime), 0)
		}
		if e.IsSymlink {
			var target string
			err := s.guard("readlink", e.Path, func() (err error) {
				target, err = s.client.ReadLink(e.Path)
				return err
			})
			if err != nil && !s.Usable() {
				return nil, err
			}
			e.LinkTarget = target
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SFTPSession) Probe(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Classify("probe", p, err)
	}
	var fi os.FileInfo
	err := s.guard("probe", p, func() (err error) {
		fi, err = s.client.Stat(p)
		return err
	})
	if err != nil {
		if ReasonOf(err) == ReasonNotFound {
			return false, nil
		}
		return false, err
	}
	return fi.IsDir(), nil
}

func (s *SFTPSession) Retrieve(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify("retrieve", p, err)
	}
	var f *sftp.File
	err := s.guard("retrieve", p, func() (err error) {
		f, err = s.client.Open(p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &sftpReader{file: f, session: s, path: p}, nil
}

func (s *SFTPSession) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return Classify("delete", p, err)
	}
	return s.guard("delete", p, func() error {
		return s.client.Remove(p)
	})
}

func (s *SFTPSession) Usable() bool {
	return !s.broken && !s.timedOut.Load()
}

func (s *SFTPSession) Close() error {
	if s.creds != nil {
		s.creds.Clear()
	}
	_ = s.client.Close()
	return s.ssh.Close()
}

type sftpReader struct {
	file    *sftp.File
	session *SFTPSession
	path    string
}

func (r *sftpReader) Read(p []byte) (n int, err error) {
	gerr := r.session.guard("read", r.path, func() error {
		n, err = r.file.Read(p)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	})
	if gerr != nil {
		return n, gerr
	}
	return n, err
}

func (r *sftpReader) Close() error {
	return r.file.Close()
}
