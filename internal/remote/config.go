package remote

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type TLSMode string

const (
	TLSImplicit TLSMode = "implicit"
	TLSExplicit TLSMode = "explicit"
)

type ConnectionMode string

const (
	ConnectionPassive ConnectionMode = "passive"
	ConnectionActive  ConnectionMode = "active"
)

type TransferMode string

const (
	TransferBinary TransferMode = "binary"
	TransferASCII  TransferMode = "ascii"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultDataTimeout    = 30 * time.Second
	DefaultBufferSize     = 16 * 1024
	DefaultEncoding       = "UTF-8"
)

// ConnConfig describes how to reach and authenticate against a server.
// It must not be modified while a session opened from it is alive.
type ConnConfig struct {
	Host            string
	Port            int
	Username        string
	Credentials     *Credentials
	TLSMode         TLSMode
	ConnectionMode  ConnectionMode
	TransferMode    TransferMode
	ConnectTimeout  time.Duration
	DataTimeout     time.Duration
	BufferSize      int
	Encoding        string
	AllowSelfSigned bool
	// HostKeyFingerprint pins the SSH host key (SHA256:...) for sftp.
	HostKeyFingerprint string
}

// Address returns host:port, falling back to the default port of the TLS mode.
func (c ConnConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = 990
		if c.TLSMode == TLSExplicit {
			port = 21
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// IsUTF8 reports whether the configured encoding is UTF-8.
func (c ConnConfig) IsUTF8() bool {
	e := strings.ToUpper(strings.ReplaceAll(c.Encoding, "-", ""))
	return e == "" || e == "UTF8"
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c ConnConfig) WithDefaults() ConnConfig {
	if c.TLSMode == "" {
		c.TLSMode = TLSImplicit
	}
	if c.ConnectionMode == "" {
		c.ConnectionMode = ConnectionPassive
	}
	if c.TransferMode == "" {
		c.TransferMode = TransferBinary
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = DefaultDataTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
	return c
}

func (c ConnConfig) Validate() error {
	var problems []string
	if c.Host == "" {
		problems = append(problems, "host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.ConnectTimeout <= 0 {
		problems = append(problems, "connect timeout must be > 0")
	}
	if c.DataTimeout <= 0 {
		problems = append(problems, "data timeout must be > 0")
	}
	if c.BufferSize <= 0 {
		problems = append(problems, "buffer size must be > 0")
	}
	switch c.TLSMode {
	case TLSImplicit, TLSExplicit:
	default:
		problems = append(problems, fmt.Sprintf("unknown tls mode %q", c.TLSMode))
	}
	switch c.ConnectionMode {
	case ConnectionPassive, ConnectionActive:
	default:
		problems = append(problems, fmt.Sprintf("unknown connection mode %q", c.ConnectionMode))
	}
	switch c.TransferMode {
	case TransferBinary, TransferASCII:
	default:
		problems = append(problems, fmt.Sprintf("unknown transfer mode %q", c.TransferMode))
	}
	if len(problems) > 0 {
		return &Error{Kind: KindFatal, Reason: ReasonConfig, Op: "validate", Err: fmt.Errorf("%s", strings.Join(problems, "; "))}
	}
	return nil
}
