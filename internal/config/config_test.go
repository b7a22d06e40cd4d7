package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarkm13/ftpspoll/internal/config"
	"github.com/yarkm13/ftpspoll/internal/remote"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), "ftpspoll.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0o600))
	return tmpFile
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
pollers:
  - name: minimal
    connection:
      host: ftp.example.com
    local_dir: /var/spool/in
`))
	require.NoError(t, err)
	require.Len(t, cfg.Pollers, 1)

	p := cfg.Pollers[0]
	assert.Equal(t, "ftps", p.Connection.Protocol)
	assert.Equal(t, config.Duration(30*time.Second), p.Connection.ConnectTimeout)
	assert.Equal(t, config.Duration(30*time.Second), p.Connection.DataTimeout)
	assert.Equal(t, 16*1024, p.Connection.BufferSize)
	assert.Equal(t, "UTF-8", p.Connection.Encoding)
	assert.Equal(t, "passive", p.Connection.ConnectionMode)
	assert.Equal(t, "binary", p.Connection.TransferMode)
	assert.Equal(t, "/", p.Poll.Root)
	assert.Equal(t, config.Duration(time.Minute), p.Poll.PollingInterval)
	assert.Equal(t, 100, p.Poll.MaxSelects)
	assert.Equal(t, 5000, p.Poll.PollBatchSize)
	assert.True(t, p.Poll.IgnoreDottedFiles)
	assert.True(t, p.Poll.DeleteOriginal)
	assert.False(t, p.Poll.Recursive)
	assert.False(t, p.Poll.FollowSymlinks)
	assert.False(t, p.Poll.NaturalOrdering)

	conn := p.ConnConfig()
	assert.Equal(t, remote.TLSImplicit, conn.TLSMode)
	assert.Equal(t, "ftp.example.com:990", conn.Address())
	assert.Nil(t, conn.Credentials)
}

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("FTPSPOLL_TEST_PASSWORD", "s3cret")
	cfg, err := config.Load(writeConfig(t, `
logging:
  level: debug
  format: console
metrics_addr: ":9108"
pollers:
  - name: invoices
    url: ftpes://loader@ftp.example.com:2121/outbound
    connection:
      password_env: FTPSPOLL_TEST_PASSWORD
      transfer_mode: ascii
      encoding: ISO-8859-1
      data_timeout: 2m
      buffer_size: 65536
      keep_alive: true
    poll:
      recursive: true
      follow_symlinks: true
      file_filter: '.*\.csv'
      path_filter: '2024(/.*)?'
      polling_interval: 5m
      max_selects: 10
      natural_ordering: true
      delete_original: false
    local_dir: /var/spool/invoices
    state_file: /var/lib/ftpspoll/invoices.seen
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9108", cfg.MetricsAddr)

	p := cfg.Pollers[0]
	assert.Equal(t, "ftpes", p.Connection.Protocol)
	assert.Equal(t, "/outbound", p.Poll.Root)
	assert.Equal(t, "/var/lib/ftpspoll/invoices.seen", p.StateFile)

	conn := p.ConnConfig()
	assert.Equal(t, remote.TLSExplicit, conn.TLSMode)
	assert.Equal(t, "ftp.example.com:2121", conn.Address())
	assert.Equal(t, "loader", conn.Username)
	assert.Equal(t, "s3cret", conn.Credentials.Password())
	assert.Equal(t, remote.TransferASCII, conn.TransferMode)
	assert.Equal(t, 2*time.Minute, conn.DataTimeout)
	assert.Equal(t, 65536, conn.BufferSize)

	pc, err := p.PollConfig(conn)
	require.NoError(t, err)
	assert.True(t, pc.Walk.Recursive)
	assert.True(t, pc.Walk.FollowSymlinks)
	assert.True(t, pc.Walk.FileFilter.MatchString("a.csv"))
	assert.False(t, pc.Walk.FileFilter.MatchString("a.csv.tmp"))
	assert.True(t, pc.Walk.PathFilter.MatchString("2024/01"))
	assert.Equal(t, 10, pc.MaxSelects)
	assert.True(t, pc.NaturalOrdering)
	assert.False(t, pc.DeleteAfterFetch)
	assert.True(t, pc.KeepAlive)
	assert.Equal(t, "ftpes", p.SchemeURL().Scheme)
}

func TestLoadNamesPollerFromURL(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
pollers:
  - url: ftps://ftp.example.com/data/in/
    local_dir: /tmp/in
`))
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.com/data/in", cfg.Pollers[0].Name)
	assert.Equal(t, "/data/in/", cfg.Pollers[0].Poll.Root)
}

func TestLoadRejectsPasswordInURL(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
pollers:
  - url: ftps://user:pw@ftp.example.com/data
    local_dir: /tmp/in
`))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
pollers:
  - name: broken
    connection:
      host: ftp.example.com
      buffer_size: -1
      connection_mode: active
    poll:
      max_selects: 0
      remote_poll_batch_size: 0
      file_filter: '('
    local_dir: /tmp/in
`))
	require.Error(t, err)
	for _, want := range []string{"buffer_size", "active", "max_selects", "remote_poll_batch_size", "file_filter"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateDuplicateNames(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
pollers:
  - name: a
    connection: {host: one}
    local_dir: /tmp/a
  - name: a
    connection: {host: two}
    local_dir: /tmp/b
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate poller name")
}

func TestLoadInvalidDuration(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
pollers:
  - name: a
    connection:
      host: one
      connect_timeout: soon
    local_dir: /tmp/a
`))
	assert.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	_, err := config.Load(writeConfig(t, ""))
	assert.Error(t, err)
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := config.Load("/path/to/non-existent/file.yaml")
	assert.Error(t, err)
}
