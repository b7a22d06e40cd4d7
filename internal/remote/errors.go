package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/textproto"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
)

// Kind says what the caller should do about an error.
type Kind int

const (
	// KindRetryable errors are safe to retry on the next scheduled poll.
	KindRetryable Kind = iota
	// KindFatal errors need operator action (credentials, TLS, config).
	KindFatal
	// KindIntegrity marks a completed transfer whose content is not trusted.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindIntegrity:
		return "integrity"
	default:
		return "retryable"
	}
}

type Reason string

const (
	ReasonAuth         Reason = "auth"
	ReasonTLS          Reason = "tls"
	ReasonTimeout      Reason = "timeout"
	ReasonNetwork      Reason = "network"
	ReasonProtocol     Reason = "protocol"
	ReasonNotFound     Reason = "not-found"
	ReasonConfig       Reason = "config"
	ReasonSizeMismatch Reason = "size-mismatch"
	ReasonCanceled     Reason = "canceled"
)

// Error is a classified transport or transfer failure.
type Error struct {
	Kind   Kind
	Reason Reason
	Op     string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s (%s): %v", e.Op, e.Path, e.Reason, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Reason, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err; unclassified errors are retryable.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindRetryable
}

// ReasonOf returns the reason of err, or "" if it is not classified.
func ReasonOf(err error) Reason {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// IsTimeout reports whether err (or its cause) is a timeout.
func IsTimeout(err error) bool {
	if ReasonOf(err) == ReasonTimeout {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Classify wraps err into an *Error. Already classified errors are returned
// with op and path filled in if missing.
func Classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		if re.Op == "" {
			re.Op = op
		}
		if re.Path == "" {
			re.Path = path
		}
		return err
	}
	kind, reason := classify(err)
	return &Error{Kind: kind, Reason: reason, Op: op, Path: path, Err: err}
}

func classify(err error) (Kind, Reason) {
	if errors.Is(err, context.Canceled) {
		return KindRetryable, ReasonCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable, ReasonTimeout
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return KindRetryable, ReasonNotFound
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code == ftp.StatusNotLoggedIn || tpErr.Code == ftp.StatusInvalidCredentials:
			return KindFatal, ReasonAuth
		case tpErr.Code == ftp.StatusFileUnavailable || tpErr.Code == ftp.StatusFileActionIgnored:
			return KindRetryable, ReasonNotFound
		case tpErr.Code == ftp.StatusNotImplemented || tpErr.Code == ftp.StatusNotImplementedParameter:
			return KindFatal, ReasonProtocol
		default:
			return KindRetryable, ReasonProtocol
		}
	}

	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.FxCode() == sftp.ErrSSHFxOpUnsupported {
			return KindFatal, ReasonProtocol
		}
		return KindRetryable, ReasonProtocol
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		certInvalid      x509.CertificateInvalidError
		hostname         x509.HostnameError
		recordHeader     tls.RecordHeaderError
		certVerify       *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &unknownAuthority), errors.As(err, &certInvalid),
		errors.As(err, &hostname), errors.As(err, &recordHeader), errors.As(err, &certVerify):
		return KindFatal, ReasonTLS
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindRetryable, ReasonTimeout
	}
	return KindRetryable, ReasonNetwork
}
