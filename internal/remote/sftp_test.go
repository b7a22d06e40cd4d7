package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestHostKeyCallbackPinsFingerprint(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	callback, err := hostKeyCallback(ConnConfig{HostKeyFingerprint: ssh.FingerprintSHA256(key)})
	require.NoError(t, err)
	assert.NoError(t, callback("sftp.example.com:22", nil, key))

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	other, err := ssh.NewPublicKey(otherPub)
	require.NoError(t, err)
	assert.Error(t, callback("sftp.example.com:22", nil, other))
}

func TestHostKeyCallbackRequiresPinOrOptIn(t *testing.T) {
	_, err := hostKeyCallback(ConnConfig{})
	require.Error(t, err)
	assert.Equal(t, KindFatal, KindOf(err))

	callback, err := hostKeyCallback(ConnConfig{AllowSelfSigned: true})
	require.NoError(t, err)
	assert.NotNil(t, callback)
}

func TestClassifySSH(t *testing.T) {
	err := classifySSH("h:22", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"))
	assert.Equal(t, ReasonAuth, ReasonOf(err))
	assert.Equal(t, KindFatal, KindOf(err))

	err = classifySSH("h:22", errors.New("ssh: handshake failed: host key for h:22 is SHA256:x, expected SHA256:y"))
	assert.Equal(t, ReasonTLS, ReasonOf(err))

	err = classifySSH("h:22", errors.New("EOF"))
	assert.Equal(t, KindRetryable, KindOf(err))
}

func TestOpenersRejectBadConfig(t *testing.T) {
	_, err := (&FTPSOpener{Logger: zerolog.Nop()}).Open(context.Background(), ConnConfig{})
	require.Error(t, err)
	assert.Equal(t, ReasonConfig, ReasonOf(err))

	_, err = (&FTPSOpener{}).Open(context.Background(), ConnConfig{Host: "h", ConnectionMode: ConnectionActive})
	require.Error(t, err)
	assert.Equal(t, KindFatal, KindOf(err))

	_, err = (&FTPSOpener{}).Open(context.Background(), ConnConfig{Host: "h", Encoding: "no-such-charset"})
	require.Error(t, err)
	assert.Equal(t, ReasonConfig, ReasonOf(err))

	_, err = (&SFTPOpener{}).Open(context.Background(), ConnConfig{Host: "h"})
	require.Error(t, err)
	assert.Equal(t, ReasonConfig, ReasonOf(err))
}
