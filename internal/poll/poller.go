// Package poll runs poll cycles: connect, list, select, transfer, finalize.
// A Poller owns the duplicate tracker of one remote root and runs its cycles
// strictly one at a time.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yarkm13/ftpspoll/internal/fetch"
	"github.com/yarkm13/ftpspoll/internal/remote"
	"github.com/yarkm13/ftpspoll/internal/selector"
	"github.com/yarkm13/ftpspoll/internal/tracker"
	"github.com/yarkm13/ftpspoll/internal/walker"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateListing      State = "listing"
	StateSelecting    State = "selecting"
	StateTransferring State = "transferring"
	StateFinalizing   State = "finalizing"
	StateError        State = "error"
)

// ErrBusy is returned when Poll is called while a cycle is already running.
var ErrBusy = errors.New("poll cycle already running")

// ErrSessionLost marks entries that were not attempted because the session
// broke mid-batch and could not be reopened.
var ErrSessionLost = errors.New("session lost and could not be reopened")

func sessionLost(p string, cause error) error {
	reason := remote.ReasonOf(cause)
	if reason == "" {
		reason = remote.ReasonNetwork
	}
	return &remote.Error{Kind: remote.KindOf(cause), Reason: reason, Op: "transfer", Path: p,
		Err: fmt.Errorf("%w: %w", ErrSessionLost, cause)}
}

type Config struct {
	Conn remote.ConnConfig
	// Walk holds root, recursion, symlink and filter policy.
	Walk walker.Options
	// MaxSelects caps the files retrieved per poll.
	MaxSelects int
	// PollBatchSize caps the new candidates gathered per poll.
	PollBatchSize   int
	NaturalOrdering bool
	// DeleteAfterFetch removes each file from the server once retrieved.
	DeleteAfterFetch bool
	// KeepAlive keeps a usable session open for the next cycle.
	KeepAlive bool
}

type Poller struct {
	name     string
	opener   remote.Opener
	cfg      Config
	sink     fetch.Sink
	tracker  *tracker.Tracker
	walker   *walker.Walker
	pipeline *fetch.Pipeline
	metrics  *Metrics
	log      zerolog.Logger

	running sync.Mutex
	mu      sync.Mutex
	state   State
	sess    remote.Session
}

type Option func(*Poller)

func WithLogger(log zerolog.Logger) Option {
	return func(p *Poller) { p.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithTracker supplies a tracker, e.g. one restored from a snapshot.
func WithTracker(t *tracker.Tracker) Option {
	return func(p *Poller) { p.tracker = t }
}

func New(name string, opener remote.Opener, cfg Config, sink fetch.Sink, opts ...Option) (*Poller, error) {
	if opener == nil {
		return nil, errors.New("poll: opener is required")
	}
	if sink == nil {
		return nil, errors.New("poll: sink is required")
	}
	cfg.Conn = cfg.Conn.WithDefaults()
	if cfg.MaxSelects < 1 {
		return nil, fmt.Errorf("poll: max selects must be >= 1, got %d", cfg.MaxSelects)
	}
	if cfg.PollBatchSize < 1 {
		return nil, fmt.Errorf("poll: poll batch size must be >= 1, got %d", cfg.PollBatchSize)
	}

	p := &Poller{
		name:   name,
		opener: opener,
		cfg:    cfg,
		sink:   sink,
		log:    zerolog.Nop(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracker == nil {
		p.tracker = tracker.New()
	}
	p.log = p.log.With().Str("poller", name).Logger()

	walkOpts := cfg.Walk
	walkOpts.MaxCandidates = cfg.PollBatchSize
	walkOpts.Accept = func(e remote.Entry) bool {
		return p.tracker.IsNew(tracker.KeyOf(e), e.ModTime)
	}
	p.walker = walker.New(walkOpts, p.log)

	pipeline, err := fetch.New(p.tracker, fetch.Options{
		DeleteAfterFetch: cfg.DeleteAfterFetch,
		BufferSize:       cfg.Conn.BufferSize,
		TransferMode:     cfg.Conn.TransferMode,
		Encoding:         cfg.Conn.Encoding,
	}, p.log)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	p.pipeline = pipeline
	return p, nil
}

func (p *Poller) Name() string { return p.name }

func (p *Poller) Tracker() *tracker.Tracker { return p.tracker }

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.log.Trace().Str("state", string(s)).Msg("state change")
}

// Poll runs one cycle. The summary is always returned; the error is the
// cycle level error, if any. Cancelling ctx stops the cycle before the next
// file, a transfer already started runs to completion.
func (p *Poller) Poll(ctx context.Context) (*Summary, error) {
	if !p.running.TryLock() {
		return nil, ErrBusy
	}
	defer p.running.Unlock()

	sum := &Summary{
		CycleID: uuid.NewString(),
		Poller:  p.name,
		Root:    p.cfg.Walk.Root,
		Started: time.Now(),
	}
	log := p.log.With().Str("cycle", sum.CycleID).Logger()

	defer func() {
		sum.Finished = time.Now()
		p.metrics.observe(sum, p.tracker.Len())
		p.setState(StateIdle)
		ev := log.Info()
		if sum.Err != nil {
			ev = log.Error().Err(sum.Err).Str("kind", remote.KindOf(sum.Err).String())
		}
		ev.Int("retrieved", sum.Retrieved).
			Int("skipped_duplicate", sum.SkippedDuplicate).
			Int("skipped_filtered", sum.SkippedFiltered).
			Int("ignored", len(sum.Ignored)).
			Int("failed", sum.Failed).
			Int("deferred", sum.Deferred).
			Int("reconnects", sum.Reconnects).
			Int64("bytes", sum.Bytes).
			Dur("took", sum.Duration()).
			Msg("poll cycle finished")
	}()

	p.setState(StateConnecting)
	sess, err := p.session(ctx)
	if err != nil {
		p.setState(StateError)
		sum.Err = err
		return sum, err
	}

	p.setState(StateListing)
	var fresh []remote.Entry
	stats, err := p.walker.Walk(ctx, sess, func(v walker.Visit) error {
		switch {
		case v.Filtered == walker.FilteredDotted:
			sum.Ignored = append(sum.Ignored, v.Entry.Path)
		case v.Filtered != walker.NotFiltered:
			sum.add(fetch.Outcome{Entry: v.Entry, Status: fetch.StatusSkippedFiltered, FilterReason: string(v.Filtered)})
		case !v.Accepted:
			sum.add(fetch.Outcome{Entry: v.Entry, Status: fetch.StatusSkippedDuplicate})
		default:
			fresh = append(fresh, v.Entry)
		}
		return nil
	})
	if err != nil {
		p.setState(StateError)
		sum.reset()
		sum.Err = fmt.Errorf("listing %s: %w", p.cfg.Walk.Root, err)
		p.finish(sess, log)
		return sum, sum.Err
	}
	log.Debug().Int("listings", stats.Listings).Int("candidates", len(fresh)).
		Int("cycles_skipped", stats.CyclesSkipped).Bool("truncated", stats.Truncated).Msg("listing done")

	p.setState(StateSelecting)
	batch := selector.Select(fresh, p.cfg.MaxSelects, p.cfg.NaturalOrdering)
	sum.Deferred = len(fresh) - len(batch)

	p.setState(StateTransferring)
	// A started transfer, including its delete, is not interrupted.
	transferCtx := context.WithoutCancel(ctx)
	for i, e := range batch {
		if err := ctx.Err(); err != nil {
			sum.Deferred += len(batch) - i
			sum.Err = remote.Classify("transfer", "", err)
			log.Warn().Int("remaining", len(batch)-i).Msg("poll cycle cancelled between transfers")
			break
		}
		if !sess.Usable() {
			next, err := p.reconnect(ctx, sess, log)
			if err != nil {
				p.setState(StateError)
				for _, rest := range batch[i:] {
					sum.add(fetch.Outcome{Entry: rest, Status: fetch.StatusFailed, Err: sessionLost(rest.Path, err)})
				}
				sum.Err = sessionLost("", err)
				log.Warn().Int("remaining", len(batch)-i).Msg("cannot reopen session, remaining transfers not attempted")
				return sum, sum.Err
			}
			sess = next
			sum.Reconnects++
		}
		sum.add(p.pipeline.Fetch(transferCtx, sess, e, p.sink))
	}

	p.finish(sess, log)
	return sum, sum.Err
}

// reconnect replaces a session broken by the previous transfer. The broken
// session is closed either way.
func (p *Poller) reconnect(ctx context.Context, broken remote.Session, log zerolog.Logger) (remote.Session, error) {
	if err := broken.Close(); err != nil {
		log.Debug().Err(err).Msg("closing broken session")
	}
	log.Info().Msg("session became unusable, reconnecting")
	sess, err := p.opener.Open(ctx, p.cfg.Conn)
	if err != nil {
		log.Error().Err(err).Str("reason", string(remote.ReasonOf(err))).Msg("cannot reopen session")
		return nil, fmt.Errorf("reconnecting to %s: %w", p.cfg.Conn.Address(), err)
	}
	return sess, nil
}

// session returns the kept session if it is still usable, or opens a new one.
func (p *Poller) session(ctx context.Context) (remote.Session, error) {
	p.mu.Lock()
	sess := p.sess
	p.sess = nil
	p.mu.Unlock()
	if sess != nil {
		if sess.Usable() {
			return sess, nil
		}
		_ = sess.Close()
	}

	sess, err := p.opener.Open(ctx, p.cfg.Conn)
	if err != nil {
		p.log.Error().Err(err).Str("reason", string(remote.ReasonOf(err))).Msg("cannot open session")
		return nil, fmt.Errorf("connecting to %s: %w", p.cfg.Conn.Address(), err)
	}
	return sess, nil
}

func (p *Poller) finish(sess remote.Session, log zerolog.Logger) {
	p.setState(StateFinalizing)
	if p.cfg.KeepAlive && sess.Usable() {
		p.mu.Lock()
		p.sess = sess
		p.mu.Unlock()
		return
	}
	if err := sess.Close(); err != nil {
		log.Debug().Err(err).Msg("closing session")
	}
}

// Close releases a session kept between cycles.
func (p *Poller) Close() error {
	p.mu.Lock()
	sess := p.sess
	p.sess = nil
	p.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}
