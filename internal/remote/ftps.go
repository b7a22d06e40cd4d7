package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"sync/atomic"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// FTPSOpenerFactory serves one FTPS URL scheme; the TLS mode itself is taken
// from ConnConfig, which ApplyURL fills from the same scheme.
type FTPSOpenerFactory struct {
	Scheme string
}

func (f *FTPSOpenerFactory) Accept(u *url.URL) bool {
	return u.Scheme == f.Scheme
}

func (f *FTPSOpenerFactory) Opener(log zerolog.Logger) Opener {
	return &FTPSOpener{Logger: log}
}

func (f *FTPSOpenerFactory) Name() string {
	return f.Scheme
}

// FTPSOpener opens FTP sessions protected by explicit or implicit TLS.
type FTPSOpener struct {
	Logger zerolog.Logger
	// DebugOutput receives the raw control channel conversation when set.
	DebugOutput io.Writer
}

// FTPSSession is a Session backed by a jlaffaye/ftp connection.
type FTPSSession struct {
	client   *ftp.ServerConn
	creds    *Credentials
	charset  encoding.Encoding
	timedOut *atomic.Bool
	broken   bool
	log      zerolog.Logger
}

func (o *FTPSOpener) Open(ctx context.Context, cfg ConnConfig) (Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectionMode == ConnectionActive {
		return nil, &Error{Kind: KindFatal, Reason: ReasonConfig, Op: "open",
			Err: errors.New("active connection mode is not supported over FTPS, use passive")}
	}

	var charset encoding.Encoding
	if !cfg.IsUTF8() {
		enc, err := ianaindex.IANA.Encoding(cfg.Encoding)
		if err != nil || enc == nil {
			return nil, &Error{Kind: KindFatal, Reason: ReasonConfig, Op: "open",
				Err: fmt.Errorf("unsupported encoding %q", cfg.Encoding)}
		}
		charset = enc
	}

	tlsConfig := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.AllowSelfSigned, //nolint:gosec // operator opt-in for self-signed servers
		MinVersion:         tls.VersionTLS12,
		// Most servers require the data channel to resume the control channel's session.
		ClientSessionCache: tls.NewLRUClientSessionCache(8),
	}

	timedOut := &atomic.Bool{}
	d := &ftpsDialer{cfg: cfg, tlsConfig: tlsConfig, timedOut: timedOut, ctx: ctx}

	options := []ftp.DialOption{
		ftp.DialWithDialFunc(d.dial),
		ftp.DialWithDisabledUTF8(!cfg.IsUTF8()),
	}
	// Both options make Login send PBSZ 0 / PROT P. The dial func still
	// dials every connection itself.
	if cfg.TLSMode == TLSExplicit {
		options = append(options, ftp.DialWithExplicitTLS(tlsConfig))
	} else {
		options = append(options, ftp.DialWithTLS(tlsConfig))
	}
	if o.DebugOutput != nil {
		options = append(options, ftp.DialWithDebugOutput(o.DebugOutput))
	}

	o.Logger.Debug().Str("addr", cfg.Address()).Str("tls", string(cfg.TLSMode)).Msg("connecting")
	c, err := ftp.Dial(cfg.Address(), options...)
	if err != nil {
		return nil, Classify("connect", cfg.Address(), err)
	}

	creds := cfg.Credentials.Clone()
	err = c.Login(cfg.Username, creds.Password())
	if err != nil {
		_ = c.Quit() // Close connection on login failure
		creds.Clear()
		err = Classify("login", cfg.Address(), err)
		var re *Error
		if errors.As(err, &re) && re.Reason == ReasonProtocol {
			re.Kind, re.Reason = KindFatal, ReasonAuth
		}
		return nil, err
	}

	transferType := ftp.TransferTypeBinary
	if cfg.TransferMode == TransferASCII {
		transferType = ftp.TransferTypeASCII
	}
	if err := c.Type(transferType); err != nil {
		_ = c.Quit()
		creds.Clear()
		return nil, Classify("type", string(transferType), err)
	}

	return &FTPSSession{
		client:   c,
		creds:    creds,
		charset:  charset,
		timedOut: timedOut,
		log:      o.Logger,
	}, nil
}

func (s *FTPSSession) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify("list", dir, err)
	}
	entries, err := s.client.List(s.wire(dir))
	if err != nil {
		return nil, s.fail("list", dir, err)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		name := s.local(path.Base(e.Name))
		out = append(out, Entry{
			Path:       path.Join(dir, name),
			Name:       name,
			Dir:        dir,
			Size:       int64(e.Size),
			HasSize:    e.Type == ftp.EntryTypeFile,
			ModTime:    e.Time,
			IsDir:      e.Type == ftp.EntryTypeFolder,
			IsSymlink:  e.Type == ftp.EntryTypeLink,
			LinkTarget: s.local(e.Target),
		})
	}
	return out, nil
}

// Probe tries to enter p; servers that refuse CWD on a link target report a
// file-like symlink.
func (s *FTPSSession) Probe(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Classify("probe", p, err)
	}
	if err := s.client.ChangeDir(s.wire(p)); err != nil {
		err = s.fail("probe", p, err)
		if ReasonOf(err) == ReasonNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FTPSSession) Retrieve(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify("retrieve", p, err)
	}
	r, err := s.client.Retr(s.wire(p))
	if err != nil {
		return nil, s.fail("retrieve", p, err)
	}
	return &ftpsReader{Response: r, session: s, path: p}, nil
}

func (s *FTPSSession) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return Classify("delete", p, err)
	}
	if err := s.client.Delete(s.wire(p)); err != nil {
		return s.fail("delete", p, err)
	}
	return nil
}

func (s *FTPSSession) Usable() bool {
	return !s.broken && !s.timedOut.Load()
}

func (s *FTPSSession) Close() error {
	if s.creds != nil {
		s.creds.Clear()
	}
	return s.client.Quit()
}

// fail classifies err and marks the session broken on transport failures.
func (s *FTPSSession) fail(op, p string, err error) error {
	err = Classify(op, p, err)
	switch ReasonOf(err) {
	case ReasonTimeout, ReasonNetwork:
		s.broken = true
	}
	return err
}

func (s *FTPSSession) wire(p string) string {
	if s.charset == nil {
		return p
	}
	encoded, err := s.charset.NewEncoder().String(p)
	if err != nil {
		return p
	}
	return encoded
}

func (s *FTPSSession) local(name string) string {
	if s.charset == nil || name == "" {
		return name
	}
	decoded, err := s.charset.NewDecoder().String(name)
	if err != nil {
		s.log.Warn().Str("name", name).Err(err).Msg("cannot decode remote name")
		return name
	}
	return decoded
}

// ftpsReader closes the data connection and waits for the transfer
// completion reply, so a truncated transfer surfaces as an error.
type ftpsReader struct {
	*ftp.Response
	session *FTPSSession
	path    string
}

func (r *ftpsReader) Read(p []byte) (int, error) {
	n, err := r.Response.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, r.session.fail("read", r.path, err)
	}
	return n, err
}

func (r *ftpsReader) Close() error {
	if err := r.Response.Close(); err != nil {
		return r.session.fail("read", r.path, err)
	}
	return nil
}

// ftpsDialer hands jlaffaye/ftp timeout bounded connections. The first call
// dials the control connection, every later call a data connection.
type ftpsDialer struct {
	cfg           ConnConfig
	tlsConfig     *tls.Config
	timedOut      *atomic.Bool
	ctx           context.Context
	controlDialed bool
}

func (d *ftpsDialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newDeadlineConn(conn, d.cfg.DataTimeout, d.timedOut), nil
}

func (d *ftpsDialer) dial(network, addr string) (net.Conn, error) {
	if !d.controlDialed {
		d.controlDialed = true
		return d.dialControl(addr)
	}

	// Data connections outlive the Open call, so they must not inherit its context.
	conn, err := d.dialTCP(context.Background(), addr)
	if err != nil {
		return nil, err
	}
	// The handshake is left to the first read, some servers stall on an eager one.
	return tls.Client(conn, d.tlsConfig), nil
}

func (d *ftpsDialer) dialControl(addr string) (net.Conn, error) {
	conn, err := d.dialTCP(d.ctx, addr)
	if err != nil {
		return nil, err
	}
	if d.cfg.TLSMode == TLSExplicit {
		// Cleartext until AUTH TLS, which jlaffaye/ftp sends after the greeting.
		return conn, nil
	}

	tlsConn := tls.Client(conn, d.tlsConfig)
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.ConnectTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
