// Package config loads the YAML configuration of ftpspoll.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/yarkm13/ftpspoll/internal/logger"
	"github.com/yarkm13/ftpspoll/internal/poll"
	"github.com/yarkm13/ftpspoll/internal/remote"
	"github.com/yarkm13/ftpspoll/internal/walker"
)

const (
	DefaultPollingInterval = time.Minute
	DefaultMaxSelects      = 100
	DefaultPollBatchSize   = 5000
)

// Duration accepts Go duration strings ("30s", "1m30s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Logging     logger.Config `yaml:"logging"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Pollers     []Poller      `yaml:"pollers"`
}

// Poller configures one remote root.
type Poller struct {
	Name string `yaml:"name"`
	// URL, when set, provides scheme, host, port, user and root, e.g.
	// ftps://user@host:990/data. Explicit fields below take precedence.
	URL        string     `yaml:"url"`
	Connection Connection `yaml:"connection"`
	Poll       Poll       `yaml:"poll"`
	// LocalDir receives retrieved files.
	LocalDir string `yaml:"local_dir"`
	// StateFile persists the seen-file tracker between runs.
	StateFile string `yaml:"state_file"`
}

type Connection struct {
	Protocol       string   `yaml:"protocol"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	PasswordEnv    string   `yaml:"password_env"`
	ConnectionMode string   `yaml:"connection_mode"`
	TransferMode   string   `yaml:"transfer_mode"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	DataTimeout    Duration `yaml:"data_timeout"`
	BufferSize     int      `yaml:"buffer_size"`
	Encoding       string   `yaml:"encoding"`
	// AllowSelfSigned skips certificate (or host key) verification.
	AllowSelfSigned    bool   `yaml:"allow_self_signed"`
	HostKeyFingerprint string `yaml:"host_key_fingerprint"`
	KeepAlive          bool   `yaml:"keep_alive"`
}

type Poll struct {
	Root              string   `yaml:"root"`
	Recursive         bool     `yaml:"recursive"`
	FollowSymlinks    bool     `yaml:"follow_symlinks"`
	IgnoreDottedFiles bool     `yaml:"ignore_dotted_files"`
	IgnoreMarker      string   `yaml:"ignore_marker"`
	FileFilter        string   `yaml:"file_filter"`
	PathFilter        string   `yaml:"path_filter"`
	PollingInterval   Duration `yaml:"polling_interval"`
	MaxSelects        int      `yaml:"max_selects"`
	PollBatchSize     int      `yaml:"remote_poll_batch_size"`
	NaturalOrdering   bool     `yaml:"natural_ordering"`
	DeleteOriginal    bool     `yaml:"delete_original"`
}

// DefaultPoller returns a poller configuration holding every default.
func DefaultPoller() Poller {
	return Poller{
		Connection: Connection{
			Protocol:       "ftps",
			ConnectionMode: string(remote.ConnectionPassive),
			TransferMode:   string(remote.TransferBinary),
			ConnectTimeout: Duration(remote.DefaultConnectTimeout),
			DataTimeout:    Duration(remote.DefaultDataTimeout),
			BufferSize:     remote.DefaultBufferSize,
			Encoding:       remote.DefaultEncoding,
		},
		Poll: Poll{
			Root:              "/",
			IgnoreDottedFiles: true,
			IgnoreMarker:      ".",
			PollingInterval:   Duration(DefaultPollingInterval),
			MaxSelects:        DefaultMaxSelects,
			PollBatchSize:     DefaultPollBatchSize,
			DeleteOriginal:    true,
		},
	}
}

// UnmarshalYAML decodes over the defaults, so omitted keys keep them.
func (p *Poller) UnmarshalYAML(value *yaml.Node) error {
	*p = DefaultPoller()
	type plain Poller
	return value.Decode((*plain)(p))
}

// Load reads and validates filename.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve fills poller fields from their URLs and validates the result.
func (c *Config) Resolve() error {
	for i := range c.Pollers {
		if err := c.Pollers[i].applyURL(); err != nil {
			return err
		}
	}
	return c.Validate()
}

// applyURL fills fields left empty from the URL.
func (p *Poller) applyURL() error {
	if p.URL == "" {
		return nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("poller %q: invalid url: %w", p.Name, err)
	}
	if _, ok := u.User.Password(); ok {
		return fmt.Errorf("poller %q: password must not be embedded in the url, use password or password_env", p.Name)
	}

	var fromURL remote.ConnConfig
	if err := remote.ApplyURL(&fromURL, u); err != nil {
		return fmt.Errorf("poller %q: %w", p.Name, err)
	}
	p.Connection.Protocol = u.Scheme
	if p.Connection.Host == "" {
		p.Connection.Host = fromURL.Host
	}
	if p.Connection.Port == 0 {
		p.Connection.Port = fromURL.Port
	}
	if p.Connection.Username == "" {
		p.Connection.Username = fromURL.Username
	}
	if u.Path != "" && (p.Poll.Root == "" || p.Poll.Root == "/") {
		p.Poll.Root = u.Path
	}
	if p.Name == "" {
		p.Name = fromURL.Host + path.Clean("/"+u.Path)
	}
	return nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var result *multierror.Error
	if len(c.Pollers) == 0 {
		result = multierror.Append(result, errors.New("at least one poller is required"))
	}
	names := map[string]bool{}
	for _, p := range c.Pollers {
		if names[p.Name] {
			result = multierror.Append(result, fmt.Errorf("duplicate poller name %q", p.Name))
		}
		names[p.Name] = true
		if err := p.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (p Poller) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("poller %q: "+format, append([]any{p.Name}, args...)...))
	}

	if p.Name == "" {
		fail("name is required")
	}
	switch p.Connection.Protocol {
	case "ftps", "ftpes", "sftp":
	default:
		fail("unknown protocol %q", p.Connection.Protocol)
	}
	if p.Connection.Host == "" {
		fail("host is required")
	}
	if p.Connection.Port < 0 || p.Connection.Port > 65535 {
		fail("port %d out of range", p.Connection.Port)
	}
	if p.Connection.BufferSize <= 0 {
		fail("buffer_size must be > 0")
	}
	if p.Connection.ConnectTimeout <= 0 || p.Connection.DataTimeout <= 0 {
		fail("timeouts must be > 0")
	}
	switch remote.ConnectionMode(p.Connection.ConnectionMode) {
	case remote.ConnectionPassive:
	case remote.ConnectionActive:
		if p.Connection.Protocol != "sftp" {
			fail("active connection mode is not supported, use passive")
		}
	default:
		fail("unknown connection_mode %q", p.Connection.ConnectionMode)
	}
	switch remote.TransferMode(p.Connection.TransferMode) {
	case remote.TransferBinary, remote.TransferASCII:
	default:
		fail("unknown transfer_mode %q", p.Connection.TransferMode)
	}
	if p.Poll.MaxSelects < 1 {
		fail("max_selects must be >= 1")
	}
	if p.Poll.PollBatchSize < 1 {
		fail("remote_poll_batch_size must be >= 1")
	}
	if p.Poll.PollingInterval <= 0 {
		fail("polling_interval must be > 0")
	}
	if !strings.HasPrefix(p.Poll.Root, "/") {
		fail("root %q must be absolute", p.Poll.Root)
	}
	if _, err := walker.CompileFullMatch(p.Poll.FileFilter); err != nil {
		fail("file_filter: %v", err)
	}
	if _, err := walker.CompileFullMatch(p.Poll.PathFilter); err != nil {
		fail("path_filter: %v", err)
	}
	if p.LocalDir == "" {
		fail("local_dir is required")
	}
	if p.Connection.Password != "" && p.Connection.PasswordEnv != "" {
		fail("password and password_env are mutually exclusive")
	}
	return result.ErrorOrNil()
}

// ConnConfig builds the session configuration. Credentials come from
// password or password_env; both empty leaves them nil for the caller to
// prompt.
func (p Poller) ConnConfig() remote.ConnConfig {
	c := p.Connection
	cfg := remote.ConnConfig{
		Host:               c.Host,
		Port:               c.Port,
		Username:           c.Username,
		ConnectionMode:     remote.ConnectionMode(c.ConnectionMode),
		TransferMode:       remote.TransferMode(c.TransferMode),
		ConnectTimeout:     time.Duration(c.ConnectTimeout),
		DataTimeout:        time.Duration(c.DataTimeout),
		BufferSize:         c.BufferSize,
		Encoding:           c.Encoding,
		AllowSelfSigned:    c.AllowSelfSigned,
		HostKeyFingerprint: c.HostKeyFingerprint,
	}
	if c.Protocol == "ftpes" {
		cfg.TLSMode = remote.TLSExplicit
	} else {
		cfg.TLSMode = remote.TLSImplicit
	}

	password := c.Password
	if c.PasswordEnv != "" {
		password = os.Getenv(c.PasswordEnv)
	}
	if password != "" {
		cfg.Credentials = remote.NewCredentials([]byte(password))
	}
	return cfg
}

// SchemeURL identifies the transport for remote.OpenerFor.
func (p Poller) SchemeURL() *url.URL {
	return &url.URL{Scheme: p.Connection.Protocol, Host: p.Connection.Host}
}

// PollConfig builds the orchestrator configuration around conn.
func (p Poller) PollConfig(conn remote.ConnConfig) (poll.Config, error) {
	fileFilter, err := walker.CompileFullMatch(p.Poll.FileFilter)
	if err != nil {
		return poll.Config{}, err
	}
	pathFilter, err := walker.CompileFullMatch(p.Poll.PathFilter)
	if err != nil {
		return poll.Config{}, err
	}
	return poll.Config{
		Conn: conn,
		Walk: walker.Options{
			Root:           p.Poll.Root,
			Recursive:      p.Poll.Recursive,
			FollowSymlinks: p.Poll.FollowSymlinks,
			IgnoreDotted:   p.Poll.IgnoreDottedFiles,
			IgnoreMarker:   p.Poll.IgnoreMarker,
			FileFilter:     fileFilter,
			PathFilter:     pathFilter,
		},
		MaxSelects:       p.Poll.MaxSelects,
		PollBatchSize:    p.Poll.PollBatchSize,
		NaturalOrdering:  p.Poll.NaturalOrdering,
		DeleteAfterFetch: p.Poll.DeleteOriginal,
		KeepAlive:        p.Connection.KeepAlive,
	}, nil
}
