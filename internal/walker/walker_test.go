package walker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarkm13/ftpspoll/internal/remote"
	"github.com/yarkm13/ftpspoll/internal/remote/remotetest"
	"github.com/yarkm13/ftpspoll/internal/walker"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func open(t *testing.T, srv *remotetest.Server) remote.Session {
	t.Helper()
	sess, err := srv.Open(context.Background(), remote.ConnConfig{Host: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func collect(t *testing.T, opts walker.Options, sess remote.Session) ([]walker.Visit, walker.Stats, error) {
	t.Helper()
	var visits []walker.Visit
	stats, err := walker.New(opts, zerolog.Nop()).Walk(context.Background(), sess, func(v walker.Visit) error {
		visits = append(visits, v)
		return nil
	})
	return visits, stats, err
}

func candidates(visits []walker.Visit) []string {
	var out []string
	for _, v := range visits {
		if v.Filtered == walker.NotFiltered {
			out = append(out, v.Entry.Path)
		}
	}
	return out
}

func TestWalkNonRecursive(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/a.txt", "a", t0)
	srv.AddFile("/data/sub/b.txt", "b", t0)

	visits, stats, err := collect(t, walker.Options{Root: "/data"}, open(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a.txt"}, candidates(visits))
	assert.Equal(t, 1, stats.Listings)
}

func TestWalkRecursiveDepthFirst(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/a.txt", "a", t0)
	srv.AddFile("/data/m/x.txt", "x", t0)
	srv.AddFile("/data/m/n/y.txt", "y", t0)
	srv.AddFile("/data/z.txt", "z", t0)

	visits, stats, err := collect(t, walker.Options{Root: "/data", Recursive: true}, open(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a.txt", "/data/m/n/y.txt", "/data/m/x.txt", "/data/z.txt"}, candidates(visits))
	assert.Equal(t, 3, stats.Dirs)

	for _, v := range visits {
		if v.Entry.Name == "y.txt" {
			assert.Equal(t, "/data/m/n", v.Entry.Dir)
			assert.Equal(t, "1000", v.Entry.Owner)
			assert.Equal(t, "rw-r-----", v.Entry.Permissions())
		}
	}
}

func TestWalkIgnoresDottedFiles(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/.hidden", "h", t0)
	srv.AddFile("/data/visible", "v", t0)
	srv.AddFile("/data/.git/config", "c", t0)

	visits, stats, err := collect(t, walker.Options{Root: "/data", Recursive: true, IgnoreDotted: true}, open(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/visible"}, candidates(visits))
	assert.Equal(t, 2, stats.Filtered)
	assert.Equal(t, 1, stats.Dirs)

	var dotted []string
	for _, v := range visits {
		if v.Filtered == walker.FilteredDotted {
			dotted = append(dotted, v.Entry.Path)
		}
		if v.Entry.Name == ".git" {
			assert.True(t, v.Entry.IsDir)
		}
		assert.NotEqual(t, "config", v.Entry.Name, "dotted directories are not descended")
	}
	assert.Equal(t, []string{"/data/.git", "/data/.hidden"}, dotted)
}

func TestWalkNonRecursiveDoesNotReportDottedDirectories(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/.hidden", "h", t0)
	srv.AddFile("/data/.git/config", "c", t0)

	visits, _, err := collect(t, walker.Options{Root: "/data", IgnoreDotted: true}, open(t, srv))
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, "/data/.hidden", visits[0].Entry.Path)
}

func TestWalkCustomIgnoreMarker(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/_tmp_upload", "u", t0)
	srv.AddFile("/data/.profile", "p", t0)

	visits, _, err := collect(t, walker.Options{Root: "/data", IgnoreDotted: true, IgnoreMarker: "_tmp_"}, open(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/.profile"}, candidates(visits))
}

func TestWalkFilters(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/a.csv", "a", t0)
	srv.AddFile("/data/a.tmp", "a", t0)
	srv.AddFile("/data/in/b.csv", "b", t0)
	srv.AddFile("/data/out/c.csv", "c", t0)

	fileFilter, err := walker.CompileFullMatch(`.*\.csv`)
	require.NoError(t, err)
	pathFilter, err := walker.CompileFullMatch(`in(/.*)?`)
	require.NoError(t, err)

	visits, _, err := collect(t, walker.Options{Root: "/data", Recursive: true, FileFilter: fileFilter, PathFilter: pathFilter}, open(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/in/b.csv"}, candidates(visits))

	reasons := map[string]walker.FilterReason{}
	for _, v := range visits {
		reasons[v.Entry.Path] = v.Filtered
	}
	assert.Equal(t, walker.FilteredName, reasons["/data/a.tmp"])
	assert.Equal(t, walker.FilteredPath, reasons["/data/a.csv"])
	assert.Equal(t, walker.FilteredPath, reasons["/data/out/c.csv"])
}

func TestCompileFullMatch(t *testing.T) {
	re, err := walker.CompileFullMatch(`abc`)
	require.NoError(t, err)
	assert.True(t, re.MatchString("abc"))
	assert.False(t, re.MatchString("xabcx"))

	re, err = walker.CompileFullMatch("")
	require.NoError(t, err)
	assert.Nil(t, re)

	_, err = walker.CompileFullMatch("(")
	assert.Error(t, err)
}

func TestWalkSymlinkCycleTerminates(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/a.txt", "a", t0)
	srv.AddFile("/data/sub/b.txt", "b", t0)
	srv.AddSymlink("/data/sub/loop", "/data")
	srv.AddSymlink("/data/sub/up", "..")

	visits, stats, err := collect(t, walker.Options{Root: "/data", Recursive: true, FollowSymlinks: true}, open(t, srv))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/data/a.txt", "/data/sub/b.txt"}, candidates(visits))
	assert.Equal(t, 2, stats.CyclesSkipped)
}

func TestWalkSymlinkedDirectoryYieldsFilesOnce(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/real/f.txt", "f", t0)
	srv.AddSymlink("/data/alias", "real")

	visits, stats, err := collect(t, walker.Options{Root: "/data", Recursive: true, FollowSymlinks: true}, open(t, srv))
	require.NoError(t, err)
	// "alias" sorts first, so the file is reached through the link and the real directory is skipped.
	assert.Equal(t, []string{"/data/alias/f.txt"}, candidates(visits))
	assert.Equal(t, 1, stats.CyclesSkipped)
}

func TestWalkSymlinkNotFollowed(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/real/f.txt", "f", t0)
	srv.AddSymlink("/data/alias", "real")
	srv.AddSymlink("/data/file-link", "real/f.txt")

	visits, _, err := collect(t, walker.Options{Root: "/data", Recursive: true}, open(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/real/f.txt"}, candidates(visits))

	var links int
	for _, v := range visits {
		if v.Entry.IsSymlink {
			links++
			assert.Equal(t, walker.FilteredLink, v.Filtered)
		}
	}
	assert.Equal(t, 2, links)
}

func TestWalkFollowedFileSymlinkIsCandidate(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/store/f.txt", "f", t0)
	srv.AddSymlink("/data/f-link", "/store/f.txt")

	visits, _, err := collect(t, walker.Options{Root: "/data", FollowSymlinks: true}, open(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/f-link"}, candidates(visits))
}

func TestWalkMaxCandidatesCountsAcceptedOnly(t *testing.T) {
	srv := remotetest.New()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		srv.AddFile("/data/"+name, name, t0)
	}

	opts := walker.Options{
		Root:          "/data",
		MaxCandidates: 2,
		Accept:        func(e remote.Entry) bool { return e.Name != "a" },
	}
	visits, stats, err := collect(t, opts, open(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a", "/data/b", "/data/c"}, candidates(visits))
	assert.False(t, visits[0].Accepted)
	assert.True(t, visits[1].Accepted)
	assert.True(t, stats.Truncated)
}

func TestWalkSkipAllStopsWithoutError(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/a", "a", t0)
	srv.AddFile("/data/b", "b", t0)

	var seen int
	_, err := walker.New(walker.Options{Root: "/data"}, zerolog.Nop()).Walk(context.Background(), open(t, srv), func(walker.Visit) error {
		seen++
		return walker.SkipAll
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestWalkRootListFailureAborts(t *testing.T) {
	srv := remotetest.New()
	srv.AddDir("/data")
	srv.FailList("/data", errors.New("425 can't open data connection"))

	_, _, err := collect(t, walker.Options{Root: "/data"}, open(t, srv))
	require.Error(t, err)
	assert.Equal(t, remote.KindRetryable, remote.KindOf(err))
}

func TestWalkNestedPermanentFailureSkipsSubtree(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/a", "a", t0)
	srv.AddFile("/data/locked/b", "b", t0)
	srv.AddFile("/data/z", "z", t0)
	srv.FailList("/data/locked", &remote.Error{Kind: remote.KindRetryable, Reason: remote.ReasonNotFound, Err: errors.New("550 permission denied")})

	visits, stats, err := collect(t, walker.Options{Root: "/data", Recursive: true}, open(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a", "/data/z"}, candidates(visits))
	assert.Equal(t, 1, stats.ListErrors)
}

func TestWalkNestedTimeoutAborts(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/a", "a", t0)
	srv.AddFile("/data/slow/b", "b", t0)
	srv.FailList("/data/slow", &remote.Error{Kind: remote.KindRetryable, Reason: remote.ReasonTimeout, Err: errors.New("i/o timeout")})

	_, _, err := collect(t, walker.Options{Root: "/data", Recursive: true}, open(t, srv))
	require.Error(t, err)
	assert.True(t, remote.IsTimeout(err))
}

func TestWalkCanceled(t *testing.T) {
	srv := remotetest.New()
	srv.AddFile("/data/a", "a", t0)
	sess := open(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := walker.New(walker.Options{Root: "/data"}, zerolog.Nop()).Walk(ctx, sess, func(walker.Visit) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
