package sink_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarkm13/ftpspoll/internal/remote"
	"github.com/yarkm13/ftpspoll/internal/sink"
)

func TestDirLocalPath(t *testing.T) {
	root := t.TempDir()
	d := sink.NewDir(root, "/data")

	p, err := d.LocalPath("/data/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "b.txt"), p)

	p, err = d.LocalPath("/database/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "database", "x"), p)

	_, err = d.LocalPath("/data/../../etc/passwd")
	require.NoError(t, err, "cleaned path stays inside root")
}

func TestDirCommitRenamesAndSetsTimes(t *testing.T) {
	root := t.TempDir()
	d := sink.NewDir(root, "/data")
	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := remote.Entry{Path: "/data/sub/b.txt", ModTime: mod}

	w, err := d.Begin(e)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(root, "sub", "b.txt"))
	assert.True(t, os.IsNotExist(err), "file appears only on commit")

	require.NoError(t, d.Commit(e, 5))
	content, err := os.ReadFile(filepath.Join(root, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	fi, err := os.Stat(filepath.Join(root, "sub", "b.txt"))
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(mod))
}

func TestDirAbortRemovesPartial(t *testing.T) {
	root := t.TempDir()
	d := sink.NewDir(root, "/")
	e := remote.Entry{Path: "/a.bin"}

	w, err := d.Begin(e)
	require.NoError(t, err)
	_, _ = w.Write([]byte("partial"))
	require.NoError(t, w.Close())
	d.Abort(e, errors.New("stream broke"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Error(t, d.Commit(e, 0))
}

func TestMemorySink(t *testing.T) {
	m := sink.NewMemory()
	a := remote.Entry{Path: "/a"}
	b := remote.Entry{Path: "/b"}

	w, _ := m.Begin(a)
	_, _ = w.Write([]byte("A"))
	require.NoError(t, m.Commit(a, 1))

	w, _ = m.Begin(b)
	_, _ = w.Write([]byte("B"))
	m.Abort(b, errors.New("x"))

	got, ok := m.Content("/a")
	assert.True(t, ok)
	assert.Equal(t, "A", got)
	_, ok = m.Content("/b")
	assert.False(t, ok)
	assert.Equal(t, []string{"/a"}, m.Order())
	assert.Equal(t, []string{"/b"}, m.Aborted())
}
