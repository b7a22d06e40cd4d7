// Package fetch streams one remote file into a sink and finalizes it:
// size verification, duplicate tracking and the optional remote delete.
package fetch

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/text/transform"

	"github.com/yarkm13/ftpspoll/internal/remote"
	"github.com/yarkm13/ftpspoll/internal/tracker"
)

type Status string

const (
	StatusRetrieved        Status = "retrieved"
	StatusSkippedDuplicate Status = "skipped-duplicate"
	StatusSkippedFiltered  Status = "skipped-filtered"
	StatusFailed           Status = "failed"
)

// Outcome is the result of handling one remote entry. For retrieved files it
// is also the event handed to the caller: Entry carries the file attributes.
type Outcome struct {
	Entry  remote.Entry
	Status Status
	// Bytes is the number of bytes written to the sink.
	Bytes int64
	// Err is set for failed entries; FilterReason for filtered ones.
	Err          error
	FilterReason string
	Deleted      bool
	DeleteFailed bool
	DeleteErr    error
}

// Sink receives file content. Begin is called once per attempted file and is
// followed by exactly one of Commit or Abort.
type Sink interface {
	Begin(e remote.Entry) (io.WriteCloser, error)
	Commit(e remote.Entry, n int64) error
	// Abort tells the sink the written content is incomplete or not trusted.
	Abort(e remote.Entry, cause error)
}

type Options struct {
	DeleteAfterFetch bool
	BufferSize       int
	TransferMode     remote.TransferMode
	Encoding         string
}

type Pipeline struct {
	tracker     *tracker.Tracker
	deleteAfter bool
	bufferSize  int
	ascii       transform.Transformer
	log         zerolog.Logger
}

func New(tr *tracker.Tracker, opts Options, log zerolog.Logger) (*Pipeline, error) {
	p := &Pipeline{
		tracker:     tr,
		deleteAfter: opts.DeleteAfterFetch,
		bufferSize:  opts.BufferSize,
		log:         log,
	}
	if p.bufferSize <= 0 {
		p.bufferSize = remote.DefaultBufferSize
	}
	if opts.TransferMode == remote.TransferASCII {
		t, err := asciiTransformer(opts.Encoding)
		if err != nil {
			return nil, err
		}
		p.ascii = t
	}
	return p, nil
}

// Fetch retrieves e into sink. The tracker is updated only after the sink
// committed complete content; a failed delete leaves the file retrieved.
func (p *Pipeline) Fetch(ctx context.Context, sess remote.Session, e remote.Entry, sink Sink) Outcome {
	out := Outcome{Entry: e}
	key := tracker.KeyOf(e)
	if !p.tracker.IsNew(key, e.ModTime) {
		out.Status = StatusSkippedDuplicate
		return out
	}

	n, err := p.copy(ctx, sess, e, sink)
	out.Bytes = n
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		p.log.Warn().Err(err).Str("path", e.Path).Int64("bytes", n).Msg("fetch failed")
		return out
	}

	p.tracker.Record(key, e.ModTime)
	out.Status = StatusRetrieved
	p.log.Info().Str("path", e.Path).Int64("bytes", n).Msg("retrieved")

	if p.deleteAfter {
		if err := sess.Delete(ctx, e.Path); err != nil {
			out.DeleteFailed = true
			out.DeleteErr = err
			p.log.Warn().Err(err).Str("path", e.Path).Msg("retrieved but remote delete failed")
		} else {
			out.Deleted = true
		}
	}
	return out
}

func (p *Pipeline) copy(ctx context.Context, sess remote.Session, e remote.Entry, sink Sink) (int64, error) {
	r, err := sess.Retrieve(ctx, e.Path)
	if err != nil {
		return 0, err
	}

	w, err := sink.Begin(e)
	if err != nil {
		_ = r.Close()
		return 0, fmt.Errorf("open sink for %s: %w", e.Path, err)
	}

	raw := &countingReader{r: r}
	var src io.Reader = raw
	if p.ascii != nil {
		src = transform.NewReader(raw, p.ascii)
	}
	buf := make([]byte, p.bufferSize)
	// The anonymous wrapper keeps io.CopyBuffer from bypassing buf via ReaderFrom.
	n, copyErr := io.CopyBuffer(struct{ io.Writer }{w}, src, buf)
	closeErr := r.Close()
	sinkErr := w.Close()

	switch {
	case copyErr != nil:
		err = remote.Classify("read", e.Path, copyErr)
	case closeErr != nil:
		err = remote.Classify("read", e.Path, closeErr)
	case sinkErr != nil:
		err = fmt.Errorf("write sink for %s: %w", e.Path, sinkErr)
	case p.ascii == nil && e.HasSize && raw.n != e.Size:
		err = &remote.Error{Kind: remote.KindIntegrity, Reason: remote.ReasonSizeMismatch, Op: "verify", Path: e.Path,
			Err: fmt.Errorf("transferred %d bytes, server reported %d", raw.n, e.Size)}
	}
	if err != nil {
		sink.Abort(e, err)
		return n, err
	}

	if err := sink.Commit(e, n); err != nil {
		return n, fmt.Errorf("commit sink for %s: %w", e.Path, err)
	}
	return n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
