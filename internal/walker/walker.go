// Package walker lists a remote directory tree depth-first, applying the
// filter and symlink policy of a poll, and hands each entry to a callback as
// soon as it is listed.
package walker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yarkm13/ftpspoll/internal/remote"
)

// SkipAll is returned by a VisitFunc to stop the walk without error.
var SkipAll = errors.New("skip everything and stop the walk")

// FilterReason tells why an entry is not a candidate. Empty means candidate.
type FilterReason string

const (
	NotFiltered    FilterReason = ""
	FilteredDotted FilterReason = "dotted"
	FilteredName   FilterReason = "file-filter"
	FilteredPath   FilterReason = "path-filter"
	FilteredLink   FilterReason = "symlink"
)

type Options struct {
	Root           string
	Recursive      bool
	FollowSymlinks bool
	IgnoreDotted   bool
	// IgnoreMarker is the prefix of ignored names, "." when empty.
	IgnoreMarker string
	// FileFilter must match the whole file name.
	FileFilter *regexp.Regexp
	// PathFilter must match the whole directory path relative to Root.
	PathFilter *regexp.Regexp
	// MaxCandidates stops the walk once that many accepted candidates have
	// been visited. Zero means no limit.
	MaxCandidates int
	// Accept decides whether a candidate counts against MaxCandidates.
	// Nil accepts every candidate.
	Accept func(remote.Entry) bool
}

// Visit is one file-like entry seen by the walk, or a directory the walk
// did not descend because of the ignore marker.
type Visit struct {
	Entry    remote.Entry
	Filtered FilterReason
	// Accepted is set for candidates that counted against MaxCandidates.
	Accepted bool
}

type VisitFunc func(v Visit) error

type Stats struct {
	Listings      int
	Dirs          int
	Candidates    int
	Filtered      int
	CyclesSkipped int
	ListErrors    int
	Truncated     bool
}

type Walker struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options, log zerolog.Logger) *Walker {
	if opts.IgnoreMarker == "" {
		opts.IgnoreMarker = "."
	}
	if opts.Root == "" {
		opts.Root = "/"
	}
	opts.Root = path.Clean(opts.Root)
	return &Walker{opts: opts, log: log}
}

// CompileFullMatch compiles pattern so that it has to match a whole string.
// An empty pattern yields nil, which matches everything.
func CompileFullMatch(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}

type walk struct {
	*Walker
	sess     remote.Session
	fn       VisitFunc
	visited  map[string]bool
	accepted int
	stats    Stats
}

// Walk lists Root and, when recursive, its subdirectories depth-first.
// A failure to list Root, or any failure that leaves the session unusable,
// aborts the walk. Other failures below Root skip that subtree.
func (w *Walker) Walk(ctx context.Context, sess remote.Session, fn VisitFunc) (Stats, error) {
	st := &walk{Walker: w, sess: sess, fn: fn, visited: make(map[string]bool)}
	err := st.dir(ctx, w.opts.Root, w.opts.Root, "")
	if errors.Is(err, SkipAll) {
		err = nil
	}
	return st.stats, err
}

// dir lists current. canonical is its symlink-free identity, rel its path
// relative to Root.
func (st *walk) dir(ctx context.Context, current, canonical, rel string) error {
	// Avoid infinite recursion
	if st.visited[canonical] {
		st.stats.CyclesSkipped++
		st.log.Warn().Str("dir", current).Str("canonical", canonical).Msg("directory already visited, skipping subtree")
		return nil
	}
	st.visited[canonical] = true
	st.stats.Dirs++

	st.log.Debug().Str("dir", current).Msg("listing")
	st.stats.Listings++
	entries, err := st.sess.List(ctx, current)
	if err != nil {
		if current == st.opts.Root || !st.sess.Usable() || ctx.Err() != nil {
			return err
		}
		st.stats.ListErrors++
		st.log.Warn().Err(err).Str("dir", current).Msg("cannot list directory, skipping subtree")
		return nil
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return remote.Classify("list", current, err)
		}

		if st.opts.IgnoreDotted && strings.HasPrefix(e.Name, st.opts.IgnoreMarker) {
			if e.IsDir && !st.opts.Recursive {
				continue
			}
			if e.IsDir {
				st.log.Debug().Str("dir", e.Path).Msg("skipping dotted directory")
			}
			if err := st.visit(e, FilteredDotted); err != nil {
				return err
			}
			continue
		}

		switch {
		case e.IsDir:
			if !st.opts.Recursive {
				continue
			}
			if err := st.dir(ctx, e.Path, path.Join(canonical, e.Name), path.Join(rel, e.Name)); err != nil {
				return err
			}

		case e.IsSymlink:
			if !st.opts.FollowSymlinks {
				if err := st.visit(e, FilteredLink); err != nil {
					return err
				}
				continue
			}
			isDir, err := st.sess.Probe(ctx, e.Path)
			if err != nil {
				if !st.sess.Usable() {
					return err
				}
				st.log.Warn().Err(err).Str("link", e.Path).Msg("cannot resolve symlink")
				continue
			}
			if !isDir {
				if err := st.visit(e, st.filter(e, rel)); err != nil {
					return err
				}
				continue
			}
			if !st.opts.Recursive {
				continue
			}
			if err := st.dir(ctx, e.Path, linkIdentity(canonical, e), path.Join(rel, e.Name)); err != nil {
				return err
			}

		default:
			if err := st.visit(e, st.filter(e, rel)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (st *walk) filter(e remote.Entry, rel string) FilterReason {
	if st.opts.FileFilter != nil && !st.opts.FileFilter.MatchString(e.Name) {
		return FilteredName
	}
	if st.opts.PathFilter != nil && !st.opts.PathFilter.MatchString(rel) {
		return FilteredPath
	}
	return NotFiltered
}

func (st *walk) visit(e remote.Entry, reason FilterReason) error {
	v := Visit{Entry: e, Filtered: reason}
	if reason != NotFiltered {
		st.stats.Filtered++
		return st.fn(v)
	}

	st.stats.Candidates++
	if st.opts.Accept == nil || st.opts.Accept(e) {
		v.Accepted = true
		st.accepted++
	}
	if err := st.fn(v); err != nil {
		return err
	}
	if st.opts.MaxCandidates > 0 && st.accepted >= st.opts.MaxCandidates {
		st.stats.Truncated = true
		return SkipAll
	}
	return nil
}

// linkIdentity resolves a directory symlink lexically against the canonical
// path of the directory that contains it.
func linkIdentity(parentCanonical string, e remote.Entry) string {
	target := e.LinkTarget
	if target == "" {
		return path.Join(parentCanonical, e.Name)
	}
	if !path.IsAbs(target) {
		target = path.Join(parentCanonical, target)
	}
	return path.Clean(target)
}
