package poll

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Runner polls several independent remote roots. Each poller runs its own
// cycles sequentially; different pollers run concurrently.
type Runner struct {
	pollers []*Poller
	log     zerolog.Logger

	// OnSummary, when set, receives every finished cycle. It is called from
	// the poller goroutines and must be safe for concurrent use.
	OnSummary func(*Summary)
}

func NewRunner(log zerolog.Logger, pollers ...*Poller) *Runner {
	return &Runner{pollers: pollers, log: log}
}

func (r *Runner) Pollers() []*Poller {
	return r.pollers
}

// RunOnce starts one cycle on every poller and waits for all of them.
// A poller that is still busy with a previous cycle is skipped.
// Summaries are returned in poller order, nil for skipped pollers.
func (r *Runner) RunOnce(ctx context.Context) []*Summary {
	summaries := make([]*Summary, len(r.pollers))

	var wg sync.WaitGroup
	for i, p := range r.pollers {
		wg.Add(1)
		go func(i int, p *Poller) {
			defer wg.Done()
			sum, err := p.Poll(ctx)
			if errors.Is(err, ErrBusy) {
				r.log.Warn().Str("poller", p.Name()).Msg("previous cycle still running, skipping")
				return
			}
			summaries[i] = sum
			if r.OnSummary != nil {
				r.OnSummary(sum)
			}
		}(i, p)
	}
	wg.Wait()
	return summaries
}

// Close releases sessions kept by the pollers.
func (r *Runner) Close() {
	for _, p := range r.pollers {
		if err := p.Close(); err != nil {
			r.log.Debug().Err(err).Str("poller", p.Name()).Msg("closing poller")
		}
	}
}
