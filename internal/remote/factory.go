package remote

import (
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
)

var openerFactories = []OpenerFactory{
	&FTPSOpenerFactory{Scheme: "ftps"},
	&FTPSOpenerFactory{Scheme: "ftpes"},
	&SFTPOpenerFactory{},
	// add more
}

// OpenerFor returns the Opener registered for the scheme of u, or nil.
func OpenerFor(u *url.URL, log zerolog.Logger) Opener {
	for _, factory := range openerFactories {
		if factory.Accept(u) {
			return factory.Opener(log)
		}
	}
	return nil
}

// ApplyURL fills host, port, username and TLS mode of cfg from u.
// A password embedded in u is copied into cfg and cleared from u.
func ApplyURL(cfg *ConnConfig, u *url.URL) error {
	cfg.Host = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return &Error{Kind: KindFatal, Reason: ReasonConfig, Op: "parse url", Err: err}
		}
		cfg.Port = port
	}
	switch u.Scheme {
	case "ftps":
		cfg.TLSMode = TLSImplicit
	case "ftpes":
		cfg.TLSMode = TLSExplicit
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			cfg.Credentials = NewCredentials([]byte(pass))
			u.User = url.User(cfg.Username)
		}
	}
	return nil
}
