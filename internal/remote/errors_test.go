package remote

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/textproto"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		reason Reason
	}{
		{"login incorrect", &textproto.Error{Code: 530, Msg: "Login incorrect"}, KindFatal, ReasonAuth},
		{"file unavailable", &textproto.Error{Code: 550, Msg: "No such file"}, KindRetryable, ReasonNotFound},
		{"file busy", &textproto.Error{Code: 450, Msg: "busy"}, KindRetryable, ReasonNotFound},
		{"not implemented", &textproto.Error{Code: 502, Msg: "EPSV not implemented"}, KindFatal, ReasonProtocol},
		{"service closing", &textproto.Error{Code: 421, Msg: "Timeout"}, KindRetryable, ReasonProtocol},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutError{}}, KindRetryable, ReasonTimeout},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindRetryable, ReasonNetwork},
		{"unknown authority", x509.UnknownAuthorityError{}, KindFatal, ReasonTLS},
		{"hostname mismatch", x509.HostnameError{Host: "ftp.example.com"}, KindFatal, ReasonTLS},
		{"canceled", context.Canceled, KindRetryable, ReasonCanceled},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), KindRetryable, ReasonTimeout},
		{"missing", fs.ErrNotExist, KindRetryable, ReasonNotFound},
		{"sftp unsupported", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxOpUnsupported)}, KindFatal, ReasonProtocol},
		{"sftp failure", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxFailure)}, KindRetryable, ReasonProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("list", "/data", tt.err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.reason, ReasonOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassifyKeepsExistingClassification(t *testing.T) {
	orig := &Error{Kind: KindIntegrity, Reason: ReasonSizeMismatch, Err: errors.New("short")}
	err := Classify("verify", "/data/a", fmt.Errorf("wrapped: %w", orig))
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.Equal(t, "verify", orig.Op)
	assert.Equal(t, "/data/a", orig.Path)
	assert.Nil(t, Classify("list", "/", nil))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(&Error{Reason: ReasonTimeout}))
	assert.True(t, IsTimeout(&net.OpError{Op: "read", Err: timeoutError{}}))
	assert.False(t, IsTimeout(errors.New("boom")))
}

func TestUnclassifiedIsRetryable(t *testing.T) {
	assert.Equal(t, KindRetryable, KindOf(errors.New("boom")))
	assert.Equal(t, Reason(""), ReasonOf(errors.New("boom")))
	assert.Equal(t, "fatal", KindFatal.String())
	assert.Equal(t, "integrity", KindIntegrity.String())
	assert.Equal(t, "retryable", KindRetryable.String())
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindFatal, Reason: ReasonAuth, Op: "login", Path: "ftp:990", Err: errors.New("530 Login incorrect")}
	assert.Equal(t, "login ftp:990: auth (fatal): 530 Login incorrect", err.Error())
}
