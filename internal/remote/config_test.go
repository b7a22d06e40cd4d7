package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnConfigDefaults(t *testing.T) {
	cfg := ConnConfig{Host: "ftp.example.com"}.WithDefaults()
	assert.Equal(t, TLSImplicit, cfg.TLSMode)
	assert.Equal(t, ConnectionPassive, cfg.ConnectionMode)
	assert.Equal(t, TransferBinary, cfg.TransferMode)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.DataTimeout)
	assert.Equal(t, 16*1024, cfg.BufferSize)
	assert.Equal(t, "UTF-8", cfg.Encoding)
	require.NoError(t, cfg.Validate())
}

func TestConnConfigAddress(t *testing.T) {
	assert.Equal(t, "ftp.example.com:990", ConnConfig{Host: "ftp.example.com"}.Address())
	assert.Equal(t, "ftp.example.com:21", ConnConfig{Host: "ftp.example.com", TLSMode: TLSExplicit}.Address())
	assert.Equal(t, "ftp.example.com:2121", ConnConfig{Host: "ftp.example.com", Port: 2121}.Address())
	assert.Equal(t, "[::1]:990", ConnConfig{Host: "::1"}.Address())
}

func TestConnConfigIsUTF8(t *testing.T) {
	assert.True(t, ConnConfig{}.IsUTF8())
	assert.True(t, ConnConfig{Encoding: "utf8"}.IsUTF8())
	assert.True(t, ConnConfig{Encoding: "UTF-8"}.IsUTF8())
	assert.False(t, ConnConfig{Encoding: "ISO-8859-1"}.IsUTF8())
}

func TestConnConfigValidate(t *testing.T) {
	cfg := ConnConfig{Host: "", Port: 70000, BufferSize: -1, TLSMode: "none"}.WithDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Equal(t, ReasonConfig, ReasonOf(err))
	for _, want := range []string{"host is required", "port 70000", "buffer size", "tls mode"} {
		assert.Contains(t, err.Error(), want)
	}
}
